package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MaxContextRecords bounds how many records a turn may pull in.
const MaxContextRecords = 5

// AdapterConfig tunes the Adapter.
type AdapterConfig struct {
	// Limit is the number of records loaded per turn, clamped to 1..5.
	Limit int

	// QueryTimeout bounds LoadContext. Default 5s.
	QueryTimeout time.Duration

	// StoreTimeout bounds each background persist. Default 15s.
	StoreTimeout time.Duration
}

// Adapter wraps a Service so that memory failures never reach the turn.
type Adapter struct {
	svc    Service
	cfg    AdapterConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewAdapter creates an Adapter. A nil svc behaves like Disabled.
func NewAdapter(svc Service, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if svc == nil {
		svc = Disabled{}
	}
	if cfg.Limit <= 0 || cfg.Limit > MaxContextRecords {
		cfg.Limit = MaxContextRecords
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 15 * time.Second
	}
	return &Adapter{svc: svc, cfg: cfg, logger: logger.With("component", "memory")}
}

// LoadContext returns a prompt block of relevant memories, or "" when there
// are none or the service fails.
func (a *Adapter) LoadContext(ctx context.Context, identity, text string) string {
	if identity == "" || text == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
	defer cancel()

	records, err := a.svc.Query(ctx, identity, text, a.cfg.Limit)
	if err != nil {
		a.logger.Warn("memory query failed, continuing without context",
			"identity", identity, "error", err)
		return ""
	}
	if len(records) > a.cfg.Limit {
		records = records[:a.cfg.Limit]
	}
	return Wrap(records)
}

// Persist stores the exchange in the background. Empty responses and texts
// that look like injection attempts are skipped.
func (a *Adapter) Persist(identity, text, response string) {
	if identity == "" || response == "" {
		return
	}
	if DetectInjection(text) {
		a.logger.Warn("skipping memory capture of suspicious text", "identity", identity)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
		defer cancel()

		if err := a.svc.Store(ctx, identity, Exchange{UserText: text, Response: response}); err != nil {
			a.logger.Warn("memory persist failed", "identity", identity, "error", err)
			return
		}
		a.logger.Debug("memory persisted", "identity", identity)
	}()
}

// Close waits for in-flight persists to finish.
func (a *Adapter) Close() {
	a.wg.Wait()
}
