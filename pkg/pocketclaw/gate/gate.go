package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("github.com/jholhewres/pocketclaw/gate")
	meter  = otel.Meter("github.com/jholhewres/pocketclaw/gate")
)

// Config configures the Gate.
type Config struct {
	// RequireApproval holds commands that are neither read-only nor
	// destructive for approval. Destructive commands always need approval.
	RequireApproval bool `yaml:"require_approval"`

	// ApprovalTimeout bounds the wait for a decision. Default 120s.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	// CommandTimeout bounds each shell command. Default 30s.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// MaxOutputBytes caps captured shell output. Default 64KiB.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// MaxReadBytes caps read_file. Default 1MiB.
	MaxReadBytes int64 `yaml:"max_read_bytes"`

	// WorkDir is where commands run and relative paths resolve.
	WorkDir string `yaml:"work_dir"`

	// DangerousCommands are extra regex patterns added to the defaults.
	DangerousCommands []string `yaml:"dangerous_commands"`

	// ProtectedPaths replaces the default protected path list.
	ProtectedPaths []string `yaml:"protected_paths"`

	// AuditPath is the SQLite audit database. Empty keeps the audit in memory.
	AuditPath string `yaml:"audit_path"`
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		RequireApproval: true,
		ApprovalTimeout: DefaultApprovalTimeout,
		CommandTimeout:  DefaultCommandTimeout,
		MaxOutputBytes:  DefaultMaxOutput,
		MaxReadBytes:    DefaultMaxRead,
		AuditPath:       "./data/audit.db",
	}
}

// Gate mediates local command execution.
type Gate struct {
	cfg        Config
	classifier *Classifier
	runner     *ShellRunner
	files      *FileOps
	audit      AuditLog
	logger     *slog.Logger
	outcomes   metric.Int64Counter

	mu       sync.RWMutex
	approver Approver
}

// New creates a Gate. A nil approver disables approval, so every command
// that requires it is denied. A nil audit keeps entries in memory.
func New(cfg Config, approver Approver, audit AuditLog, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutput
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxRead
	}
	if audit == nil {
		audit = NewMemoryAudit(0)
	}
	logger = logger.With("component", "gate")

	outcomes, err := meter.Int64Counter("pocketclaw.gate.outcomes",
		metric.WithDescription("Terminal outcomes of proposed local commands"))
	if err != nil {
		logger.Warn("gate outcome counter unavailable", "error", err)
	}

	return &Gate{
		cfg:        cfg,
		classifier: NewClassifier(cfg.RequireApproval, cfg.DangerousCommands, cfg.ProtectedPaths, logger),
		runner:     &ShellRunner{WorkDir: cfg.WorkDir, MaxOutput: cfg.MaxOutputBytes},
		files:      &FileOps{WorkDir: cfg.WorkDir, MaxRead: cfg.MaxReadBytes},
		audit:      audit,
		logger:     logger,
		outcomes:   outcomes,
		approver:   approver,
	}
}

// SetApprover swaps the approver; nil disables approval.
func (g *Gate) SetApprover(a Approver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approver = a
}

func (g *Gate) currentApprover() Approver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.approver
}

// Classifier exposes the gate's classifier.
func (g *Gate) Classifier() *Classifier { return g.classifier }

// Audit exposes the gate's audit log.
func (g *Gate) Audit() AuditLog { return g.audit }

// Propose classifies cmd and runs it, asks for approval first, or denies it.
// Every terminal transition is audited.
func (g *Gate) Propose(ctx context.Context, cmd *PendingCommand) ExecutionResult {
	ctx, span := tracer.Start(ctx, "gate.propose", trace.WithAttributes(
		attribute.String("gate.kind", string(cmd.Kind)),
	))
	defer span.End()

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	cmd.Trace = nil
	cmd.transition(StateProposed)

	cls := g.classifier.ClassifyCommand(cmd)
	cmd.Tier, cmd.Reason = cls.Tier, cls.Reason
	cmd.transition(StateClassified)
	span.SetAttributes(attribute.String("gate.tier", string(cls.Tier)))

	var res ExecutionResult
	switch {
	case invalid(cmd) != "":
		res = g.deny(ctx, cmd, invalid(cmd), false)

	case cls.Tier == TierSafe:
		cmd.transition(StateAutoAllowed)
		res = g.execute(ctx, cmd)

	default:
		approver := g.currentApprover()
		if approver == nil {
			res = g.deny(ctx, cmd, "approval required ("+cls.Reason+") but approval is disabled", false)
			break
		}
		cmd.transition(StatePendingApproval)
		d, err := approver.RequestApproval(ctx, cmd)
		switch {
		case err != nil:
			res = g.deny(ctx, cmd, "no approval: "+err.Error(), errors.Is(err, ErrApprovalTimeout))
		case !d.Approved:
			reason := d.Reason
			if reason == "" {
				reason = "denied by user"
			}
			res = g.deny(ctx, cmd, reason, false)
		default:
			res = g.execute(ctx, cmd)
		}
	}

	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	g.record(ctx, cmd, res)
	return res
}

func invalid(cmd *PendingCommand) string {
	switch cmd.Kind {
	case KindShell:
		if strings.TrimSpace(cmd.Command) == "" {
			return "empty command"
		}
	case KindReadFile, KindWriteFile:
		if strings.TrimSpace(cmd.Path) == "" {
			return "empty path"
		}
	case KindListDir:
	default:
		return "unknown command kind " + string(cmd.Kind)
	}
	if cmd.Identity == "" {
		return "command has no identity"
	}
	return ""
}

func (g *Gate) deny(ctx context.Context, cmd *PendingCommand, reason string, timedOut bool) ExecutionResult {
	cmd.Reason = reason
	cmd.transition(StateDenied)
	return ExecutionResult{
		ID:    cmd.ID,
		Kind:  cmd.Kind,
		Tier:  cmd.Tier,
		State: StateDenied,
		Err: &CommandDeniedError{
			ID:       cmd.ID,
			Command:  cmd.Summary(),
			Reason:   reason,
			TimedOut: timedOut,
		},
	}
}

// execute runs an allowed command. The run is detached from ctx so that a
// cancelled turn never kills a command mid-step; it is bounded by the
// command timeout instead.
func (g *Gate) execute(ctx context.Context, cmd *PendingCommand) ExecutionResult {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CommandTimeout)
	defer cancel()

	res := ExecutionResult{ID: cmd.ID, Kind: cmd.Kind, Tier: cmd.Tier, State: StateExecuted}
	start := time.Now()
	var runErr error

	switch cmd.Kind {
	case KindShell:
		out, err := g.runner.Run(runCtx, cmd.Command)
		res.Output, res.ExitCode, res.Truncated = out.Output, out.ExitCode, out.Truncated
		switch {
		case err != nil:
			runErr = err
		case out.TimedOut:
			runErr = fmt.Errorf("timed out after %s", g.cfg.CommandTimeout)
		case out.ExitCode != 0:
			runErr = fmt.Errorf("exit code %d", out.ExitCode)
		}
	case KindReadFile:
		res.Output, res.Truncated, runErr = g.files.Read(cmd.Path)
	case KindWriteFile:
		var n int
		n, runErr = g.files.Write(cmd.Path, cmd.Content)
		if runErr == nil {
			res.Output = fmt.Sprintf("wrote %d bytes to %s", n, cmd.Path)
		}
	case KindListDir:
		res.Output, runErr = g.files.List(cmd.Path)
	}
	res.Duration = time.Since(start)

	if runErr != nil {
		res.Err = &CommandExecutionError{
			ID:       cmd.ID,
			Command:  cmd.Summary(),
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Err:      runErr,
		}
	}
	cmd.transition(StateExecuted)
	return res
}

func (g *Gate) record(ctx context.Context, cmd *PendingCommand, res ExecutionResult) {
	outcome := res.Outcome()
	reason := cmd.Reason
	if outcome == OutcomeFailed {
		reason = res.Err.Error()
	}
	entry := AuditEntry{
		ID:       cmd.ID,
		Identity: cmd.Identity,
		Kind:     cmd.Kind,
		Command:  cmd.Summary(),
		Tier:     cmd.Tier,
		Outcome:  outcome,
		Reason:   reason,
		At:       time.Now(),
	}

	g.logger.Info("command finished",
		"id", entry.ID,
		"identity", entry.Identity,
		"kind", entry.Kind,
		"tier", entry.Tier,
		"outcome", entry.Outcome,
		"reason", entry.Reason,
	)
	if err := g.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Error("audit write failed", "id", entry.ID, "error", err)
	}
	if g.outcomes != nil {
		g.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(outcome)),
			attribute.String("tier", string(cmd.Tier)),
		))
	}
}
