// Package scheduler runs the proactive digest: a cron job that asks the
// assistant a fixed question on the owner's behalf and pushes the answer
// when there is something worth reading.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
)

// quietMarker is the answer the digest prompt asks for when nothing is urgent.
const quietMarker = "No urgent emails"

// minDigestLen drops near-empty answers.
const minDigestLen = 10

// DefaultRunTimeout bounds one digest run.
const DefaultRunTimeout = 5 * time.Minute

// ErrAlreadyRunning is returned by RunOnce while a previous run is active.
var ErrAlreadyRunning = errors.New("digest already running")

// TurnHandler runs one assistant turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, t copilot.Turn) (copilot.Reply, error)
}

// Digest is the scheduled proactive check.
type Digest struct {
	cfg      copilot.SchedulerConfig
	handler  TurnHandler
	notifier copilot.Notifier
	timeout  time.Duration

	cron    *cron.Cron
	running atomic.Bool
	logger  *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	runs   int
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewDigest validates cfg and returns a stopped digest.
func NewDigest(cfg copilot.SchedulerConfig, handler TurnHandler, notifier copilot.Notifier, logger *slog.Logger) (*Digest, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.OwnerIdentity) == "" {
		return nil, errors.New("scheduler: owner_identity is required")
	}
	if handler == nil || notifier == nil {
		return nil, errors.New("scheduler: handler and notifier are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/15 * * * *"
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = copilot.DefaultDigestPrompt
	}
	return &Digest{
		cfg:      cfg,
		handler:  handler,
		notifier: notifier,
		timeout:  DefaultRunTimeout,
		logger:   logger.With("component", "scheduler"),
	}, nil
}

// Start registers the cron entry and starts ticking.
func (d *Digest) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return errors.New("scheduler already started")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.cron = cron.New(cron.WithParser(parser))
	if _, err := d.cron.AddFunc(d.cfg.Schedule, d.tick); err != nil {
		d.cancel()
		d.cron = nil
		return fmt.Errorf("invalid schedule %q: %w", d.cfg.Schedule, err)
	}
	d.cron.Start()
	d.logger.Info("digest scheduled", "schedule", d.cfg.Schedule, "owner", d.cfg.OwnerIdentity)
	return nil
}

// Stop cancels a running digest and waits for it to return.
func (d *Digest) Stop() {
	d.mu.Lock()
	c, cancel := d.cron, d.cancel
	d.cron = nil
	d.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	select {
	case <-c.Stop().Done():
	case <-time.After(10 * time.Second):
		d.logger.Warn("scheduler stop timed out")
	}
	d.logger.Info("scheduler stopped")
}

// Runs reports how many digests ran to completion.
func (d *Digest) Runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

func (d *Digest) tick() {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	if _, err := d.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		d.logger.Warn("digest failed", "error", err)
	}
}

// RunOnce runs the digest turn and pushes the result. It returns the text
// that was delivered, or "" when the answer was skipped.
func (d *Digest) RunOnce(ctx context.Context) (string, error) {
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Debug("digest still running, skipping tick")
		return "", ErrAlreadyRunning
	}
	defer d.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	reply, err := d.handler.HandleTurn(ctx, copilot.Turn{Identity: d.cfg.OwnerIdentity, Text: d.cfg.Prompt})
	if err != nil {
		return "", fmt.Errorf("digest turn: %w", err)
	}

	d.mu.Lock()
	d.runs++
	d.mu.Unlock()

	text := strings.TrimSpace(reply.Text)
	if !worthSending(text) {
		d.logger.Debug("digest quiet", "duration", time.Since(start).Round(time.Millisecond))
		return "", nil
	}
	if err := d.notifier.Notify(ctx, d.cfg.OwnerIdentity, text); err != nil {
		return "", fmt.Errorf("delivering digest: %w", err)
	}
	d.logger.Info("digest delivered", "chars", len(text), "duration", time.Since(start).Round(time.Millisecond))
	return text, nil
}

func worthSending(text string) bool {
	return len(text) > minDigestLen && !strings.Contains(text, quietMarker)
}
