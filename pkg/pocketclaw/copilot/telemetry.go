package copilot

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("github.com/jholhewres/pocketclaw/copilot")
	meter  = otel.Meter("github.com/jholhewres/pocketclaw/copilot")
)

// Turn outcomes recorded on pocketclaw.turns.
const (
	outcomeReply     = "reply"
	outcomeCommand   = "command"
	outcomeDuplicate = "duplicate"
	outcomeError     = "error"
)

type turnMetrics struct {
	turns     metric.Int64Counter
	toolCalls metric.Int64Counter
}

func newTurnMetrics() turnMetrics {
	var m turnMetrics
	m.turns, _ = meter.Int64Counter("pocketclaw.turns",
		metric.WithDescription("Inbound turns by outcome"))
	m.toolCalls, _ = meter.Int64Counter("pocketclaw.tool_calls",
		metric.WithDescription("Tool calls requested by the reasoning step"))
	return m
}

func (m turnMetrics) turn(ctx context.Context, outcome string, proactive bool) {
	if m.turns == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("proactive", proactive),
	))
}

func (m turnMetrics) toolCall(ctx context.Context, tool string, builtin bool) {
	if m.toolCalls == nil {
		return
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("builtin", builtin),
	))
}
