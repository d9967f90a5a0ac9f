// Package copilot – assistant.go is the orchestration core. A turn resolves
// the identity's kernel, refreshes its tool set, loads memory, runs the
// reasoning loop with tool dispatch and persists the exchange.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/authflow"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/friction"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gate"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/llm"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

// ToolResolver builds a kernel's tool set from its groups.
type ToolResolver interface {
	Resolve(ctx context.Context, groups []string) (capability.ToolSet, capability.Report)
}

// Authorizer checks grants and mints links.
type Authorizer interface {
	EnsureAuthorized(ctx context.Context, identity, group string, force bool) (authflow.Outcome, error)
	Status(ctx context.Context, identity, group string) provider.Grant
}

// Executor runs provider operations.
type Executor interface {
	Execute(ctx context.Context, identity, group, slug string, args map[string]any) (*provider.ExecResult, error)
}

// MemoryContext is the best-effort memory surface.
type MemoryContext interface {
	LoadContext(ctx context.Context, identity, text string) string
	Persist(identity, text, response string)
}

// SkillSource returns instruction text for named skill bundles.
type SkillSource interface {
	LoadAll(names []string) string
}

// Deps are the collaborators of an Assistant. Reasoner is required; every
// other field may be nil and the matching feature is switched off.
type Deps struct {
	Catalog   *capability.Catalog
	Tools     ToolResolver
	Auth      Authorizer
	Executor  Executor
	Reasoner  llm.Reasoner
	Memory    MemoryContext
	Gate      *gate.Gate
	Approvals *gate.ApprovalManager
	Skills    SkillSource
	Dedupe    Deduper
	Logger    *slog.Logger
}

// Turn is one inbound message.
type Turn struct {
	// ID is the channel message ID used for dedupe. Optional.
	ID       string
	Identity string
	Text     string
}

// Reply is the outcome of a turn.
type Reply struct {
	TurnID    string
	Text      string
	Command   bool
	Duplicate bool
	Proactive bool
	ToolCalls int

	// Links are authorization links minted during the turn.
	Links []provider.Link
}

// Assistant runs turns.
type Assistant struct {
	cfg      *Config
	registry *session.Registry

	catalog   *capability.Catalog
	tools     ToolResolver
	auth      Authorizer
	executor  Executor
	reasoner  llm.Reasoner
	memory    MemoryContext
	gate      *gate.Gate
	approvals *gate.ApprovalManager
	skills    SkillSource
	dedupe    Deduper

	metrics turnMetrics
	logger  *slog.Logger
}

type noMemory struct{}

func (noMemory) LoadContext(context.Context, string, string) string { return "" }
func (noMemory) Persist(string, string, string)                     {}

// New creates an Assistant and its session registry.
func New(cfg *Config, deps Deps) (*Assistant, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Reasoner == nil {
		return nil, errors.New("copilot: a reasoner is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reasoning.MaxIterations <= 0 {
		cfg.Reasoning.MaxIterations = 8
	}

	a := &Assistant{
		cfg:       cfg,
		catalog:   deps.Catalog,
		tools:     deps.Tools,
		auth:      deps.Auth,
		executor:  deps.Executor,
		reasoner:  deps.Reasoner,
		memory:    deps.Memory,
		gate:      deps.Gate,
		approvals: deps.Approvals,
		skills:    deps.Skills,
		dedupe:    deps.Dedupe,
		metrics:   newTurnMetrics(),
		logger:    logger.With("component", "assistant"),
	}
	if a.memory == nil {
		a.memory = noMemory{}
	}

	a.registry = session.NewRegistry(session.Config{
		IdleTTL:     cfg.Session.IdleTTL,
		MaxKernels:  cfg.Session.MaxKernels,
		MaxHistory:  cfg.Session.MaxHistory,
		Initializer: a.initKernel,
		Logger:      logger,
	})
	return a, nil
}

// Registry exposes the session registry.
func (a *Assistant) Registry() *session.Registry { return a.registry }

// Config returns the active configuration.
func (a *Assistant) Config() *Config { return a.cfg }

// Approvals returns the approval manager, or nil.
func (a *Assistant) Approvals() *gate.ApprovalManager { return a.approvals }

// initKernel pre-activates the default groups and resolves their tool set.
// Group failures are logged by the resolver and never abort creation.
func (a *Assistant) initKernel(ctx context.Context, k *session.Kernel) error {
	groups := make([]string, 0, len(a.cfg.Session.DefaultGroups))
	for _, g := range a.cfg.Session.DefaultGroups {
		if c := a.canon(g); c != "" {
			groups = append(groups, c)
		}
	}
	k.Activate(groups...)
	a.resolveTools(ctx, k)
	return nil
}

func (a *Assistant) resolveTools(ctx context.Context, k *session.Kernel) {
	if a.tools == nil {
		return
	}
	ts, report := a.tools.Resolve(ctx, k.Groups())
	k.SetTools(ts, report)
	a.logger.Debug("tool set resolved",
		"identity", k.Identity(),
		"groups", len(report.Groups),
		"operations", len(ts),
		"unavailable", report.Unavailable)
}

// refreshTools re-resolves when the kernel's groups differ from the last
// report or some group came back empty.
func (a *Assistant) refreshTools(ctx context.Context, k *session.Kernel) {
	_, report := k.Tools()
	groups := k.Groups()
	stale := len(report.Groups) != len(groups) || len(report.Unavailable) > 0
	if !stale {
		for i, g := range report.Groups {
			if g.Group != groups[i] {
				stale = true
				break
			}
		}
	}
	if stale {
		a.resolveTools(ctx, k)
	}
}

func (a *Assistant) canon(group string) string {
	if a.catalog != nil {
		return a.catalog.Canon(group)
	}
	return capability.Canon(group)
}

func (a *Assistant) displayName(group string) string {
	if a.catalog != nil {
		return a.catalog.DisplayName(group)
	}
	return strings.ToUpper(group)
}

// HandleTurn processes one inbound message and returns the reply text.
// Duplicate message IDs and empty messages produce an empty reply.
func (a *Assistant) HandleTurn(ctx context.Context, t Turn) (Reply, error) {
	identity := strings.TrimSpace(t.Identity)
	if identity == "" {
		return Reply{}, ErrEmptyIdentity
	}
	reply := Reply{TurnID: t.ID}
	if reply.TurnID == "" {
		reply.TurnID = uuid.NewString()
	}

	if t.ID != "" && a.dedupe != nil && a.dedupe.Seen(ctx, t.ID) {
		a.logger.Debug("duplicate message dropped", "identity", identity, "id", t.ID)
		reply.Duplicate = true
		a.metrics.turn(ctx, outcomeDuplicate, false)
		return reply, nil
	}

	text := strings.TrimSpace(t.Text)
	if text == "" {
		return reply, nil
	}

	ctx, span := tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("turn.id", reply.TurnID),
	))
	defer span.End()

	// Approval answers must not wait for the turn lock: the turn holding it
	// may be the one waiting for the answer.
	cmd, isCmd := parseCommand(text)
	if isCmd && cmd.lockFree() {
		if out, ok := a.runCommand(ctx, nil, identity, cmd); ok {
			reply.Text, reply.Command = out, true
			a.metrics.turn(ctx, outcomeCommand, false)
			return reply, nil
		}
	}

	k, release, err := a.registry.Acquire(ctx, identity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire failed")
		a.metrics.turn(ctx, outcomeError, false)
		return reply, fmt.Errorf("acquiring session: %w", err)
	}
	defer release()

	if isCmd {
		if out, ok := a.runCommand(ctx, k, identity, cmd); ok {
			reply.Text, reply.Command = out, true
			a.metrics.turn(ctx, outcomeCommand, false)
			return reply, nil
		}
	}

	reply, err = a.runTurn(ctx, k, text, reply)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.metrics.turn(ctx, outcomeError, reply.Proactive)
		return reply, err
	}
	span.SetAttributes(
		attribute.Int("tool_calls", reply.ToolCalls),
		attribute.Bool("proactive", reply.Proactive),
	)
	a.metrics.turn(ctx, outcomeReply, reply.Proactive)
	return reply, nil
}

// turnState is what tool dispatch needs about the running turn.
type turnState struct {
	identity string
	kernel   *session.Kernel
	tools    capability.ToolSet
	links    []provider.Link
	calls    int
}

func (a *Assistant) runTurn(ctx context.Context, k *session.Kernel, text string, reply Reply) (Reply, error) {
	identity := k.Identity()
	logger := a.logger.With("identity", identity, "turn", reply.TurnID)

	// Capability resolution and memory load both finish before reasoning.
	a.refreshTools(ctx, k)
	tools, report := k.Tools()
	status := a.groupStatus(ctx, identity, k.Groups(), report)
	memBlock := a.memory.LoadContext(ctx, identity, text)

	sig := friction.Detect(text)
	reply.Proactive = sig.Found()
	if reply.Proactive {
		logger.Info("friction detected, running proactive turn",
			"phrase", sig.Phrase, "categories", sig.Categories())
	}

	instructions := a.buildInstructions(promptInput{
		Memory:   memBlock,
		Status:   status,
		Friction: sig,
		Tools:    tools,
	})

	history := toLLMHistory(k.History())
	history = append(history, llm.Message{Role: llm.RoleUser, Content: text})

	ts := &turnState{identity: identity, kernel: k, tools: tools}
	answer, err := a.agentLoop(ctx, ts, instructions, a.toolDefs(tools), history)
	reply.ToolCalls = ts.calls
	reply.Links = ts.links
	if err != nil {
		logger.Error("turn failed", "error", err)
		return reply, err
	}

	// The caller is gone; drop the result instead of recording it.
	if err := ctx.Err(); err != nil {
		return reply, err
	}

	answer = FormatReply(answer)
	answer = a.appendLinkGuidance(answer, ts.links)
	reply.Text = answer

	k.AddExchange(text, answer)
	if answer != "" {
		a.memory.Persist(identity, text, answer)
	}
	logger.Info("turn complete", "tool_calls", ts.calls, "chars", len(answer), "proactive", reply.Proactive)
	return reply, nil
}

// agentLoop alternates reasoning and tool dispatch for at most
// MaxIterations rounds, then asks once more without tools.
func (a *Assistant) agentLoop(ctx context.Context, ts *turnState, instructions string, defs []llm.ToolDef, history []llm.Message) (string, error) {
	for i := 0; i < a.cfg.Reasoning.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := a.reasoner.Generate(ctx, llm.Request{
			Instructions: instructions,
			Tools:        defs,
			History:      history,
		})
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrReasoningUnavailable, err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		history = append(history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			ts.calls++
			result := a.dispatch(ctx, ts, tc)
			history = append(history, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}

	a.logger.Warn("tool round limit reached", "identity", ts.identity, "limit", a.cfg.Reasoning.MaxIterations)
	resp, err := a.reasoner.Generate(ctx, llm.Request{
		Instructions: instructions + "\n\nThe tool budget for this message is used up. Answer with what you have now.",
		History:      history,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReasoningUnavailable, err)
	}
	return resp.Content, nil
}

func toLLMHistory(msgs []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (a *Assistant) appendLinkGuidance(answer string, links []provider.Link) string {
	var missing []provider.Link
	for _, l := range links {
		if !strings.Contains(answer, l.URL) {
			missing = append(missing, l)
		}
	}
	if len(missing) == 0 {
		return answer
	}
	var b strings.Builder
	b.WriteString(answer)
	for _, l := range missing {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "To connect %s, open this link and approve access:\n%s", a.displayName(l.Group), l.URL)
	}
	return b.String()
}

// GroupStatus reports whether group is authorized for identity.
func (a *Assistant) GroupStatus(ctx context.Context, identity, group string) (provider.Grant, error) {
	if strings.TrimSpace(identity) == "" {
		return provider.Grant{}, ErrEmptyIdentity
	}
	if a.auth == nil {
		return provider.Grant{}, ErrNoAuthorizer
	}
	return a.auth.Status(ctx, identity, a.canon(group)), nil
}

// RequestLink returns the active grant or a fresh authorization link for
// (identity, group) and activates the group for the identity. The tool set
// picks the group up on the next turn.
func (a *Assistant) RequestLink(ctx context.Context, identity, group string, force bool) (authflow.Outcome, error) {
	if strings.TrimSpace(identity) == "" {
		return authflow.Outcome{}, ErrEmptyIdentity
	}
	if a.auth == nil {
		return authflow.Outcome{}, ErrNoAuthorizer
	}
	g := a.canon(group)
	if g == "" {
		return authflow.Outcome{}, fmt.Errorf("unknown group %q", group)
	}

	out, err := a.auth.EnsureAuthorized(ctx, identity, g, force)
	if err != nil {
		return out, err
	}
	if k, kerr := a.registry.GetOrCreate(ctx, identity); kerr == nil {
		k.Activate(g)
	}
	return out, nil
}
