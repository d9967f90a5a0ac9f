// Package memory provides per-identity long-term context for turns. The
// Adapter in front of a Service is best-effort in both directions: loading
// degrades to no context and persisting is fire-and-forget.
package memory

import (
	"context"
	"errors"
	"time"
)

// Record is one retrieved fact with its relevance score.
type Record struct {
	ID        string
	Identity  string
	Text      string
	Score     float64
	CreatedAt time.Time
}

// Exchange is one user turn and the agent's reply.
type Exchange struct {
	UserText string
	Response string
}

// Service is a memory backend.
type Service interface {
	Query(ctx context.Context, identity, text string, limit int) ([]Record, error)
	Store(ctx context.Context, identity string, ex Exchange) error
}

// ErrDisabled is returned by Disabled.
var ErrDisabled = errors.New("memory service disabled")

// Disabled is a Service that stores nothing and finds nothing.
type Disabled struct{}

func (Disabled) Query(context.Context, string, string, int) ([]Record, error) {
	return nil, ErrDisabled
}

func (Disabled) Store(context.Context, string, Exchange) error { return ErrDisabled }
