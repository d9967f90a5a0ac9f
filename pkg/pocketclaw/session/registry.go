package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultIdleTTL is how long a kernel may stay idle before Prune removes it.
const DefaultIdleTTL = 24 * time.Hour

// DefaultMaxKernels bounds the number of live kernels.
const DefaultMaxKernels = 1000

// ErrEmptyIdentity is returned for requests without an identity.
var ErrEmptyIdentity = errors.New("session: empty identity")

// Initializer prepares a freshly created kernel, typically activating the
// default groups and resolving their tools. Errors are logged; the kernel is
// registered regardless.
type Initializer func(ctx context.Context, k *Kernel) error

// Config tunes the Registry.
type Config struct {
	IdleTTL     time.Duration
	MaxKernels  int
	MaxHistory  int
	Initializer Initializer
	Logger      *slog.Logger
}

// Registry maps identities to kernels. The map is the only state shared
// between turns.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	kernels map[string]*Kernel

	creating singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.MaxKernels <= 0 {
		cfg.MaxKernels = DefaultMaxKernels
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger.With("component", "session"),
		kernels: make(map[string]*Kernel),
	}
}

// GetOrCreate returns the identity's kernel, creating and initializing it on
// first contact. Concurrent first contacts share a single initialization.
func (r *Registry) GetOrCreate(ctx context.Context, identity string) (*Kernel, error) {
	if identity == "" {
		return nil, ErrEmptyIdentity
	}
	if k := r.Get(identity); k != nil {
		return k, nil
	}

	v, err, _ := r.creating.Do(identity, func() (any, error) {
		if k := r.Get(identity); k != nil {
			return k, nil
		}

		k := newKernel(identity, r.cfg.MaxHistory)
		if r.cfg.Initializer != nil {
			// Shared by every waiter, so it must not die with the first caller.
			initCtx := context.WithoutCancel(ctx)
			if err := r.cfg.Initializer(initCtx, k); err != nil {
				r.logger.Warn("kernel initialization incomplete",
					"identity", identity, "error", err)
			}
		}

		r.mu.Lock()
		r.evictLRULocked()
		r.kernels[identity] = k
		total := len(r.kernels)
		r.mu.Unlock()

		r.logger.Info("kernel created",
			"identity", identity,
			"groups", k.Groups(),
			"kernels", total,
		)
		return k, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Kernel), nil
}

// Acquire returns the identity's kernel with its turn lock held and the
// kernel pinned against eviction. The caller must call release exactly once;
// extra calls are no-ops.
func (r *Registry) Acquire(ctx context.Context, identity string) (*Kernel, func(), error) {
	var k *Kernel
	for {
		var err error
		k, err = r.GetOrCreate(ctx, identity)
		if err != nil {
			return nil, nil, err
		}
		r.mu.Lock()
		if r.kernels[identity] == k {
			k.refs++
			r.mu.Unlock()
			break
		}
		// Evicted between lookup and pin; start over.
		r.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}

	select {
	case k.turn <- struct{}{}:
	case <-ctx.Done():
		r.unpin(k)
		return nil, nil, ctx.Err()
	}
	k.touch()

	var once sync.Once
	release := func() {
		once.Do(func() {
			k.touch()
			<-k.turn
			r.unpin(k)
		})
	}
	return k, release, nil
}

func (r *Registry) unpin(k *Kernel) {
	r.mu.Lock()
	k.refs--
	r.mu.Unlock()
}

// Get returns the identity's kernel, or nil.
func (r *Registry) Get(identity string) *Kernel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kernels[identity]
}

// Count returns the number of live kernels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kernels)
}

// Identities returns the identities with a live kernel, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.kernels))
	for id := range r.kernels {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Prune removes unpinned kernels idle for longer than the idle TTL.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.IdleTTL)
	pruned := 0
	for id, k := range r.kernels {
		if k.refs > 0 || !k.LastActiveAt().Before(cutoff) {
			continue
		}
		delete(r.kernels, id)
		pruned++
	}
	if pruned > 0 {
		r.logger.Info("idle kernels pruned", "pruned", pruned, "remaining", len(r.kernels))
	}
	return pruned
}

// evictLRULocked makes room for one more kernel by dropping the least
// recently active unpinned kernel. r.mu must be held.
func (r *Registry) evictLRULocked() {
	for len(r.kernels) >= r.cfg.MaxKernels {
		var (
			victim string
			oldest time.Time
		)
		for id, k := range r.kernels {
			if k.refs > 0 {
				continue
			}
			if last := k.LastActiveAt(); victim == "" || last.Before(oldest) {
				victim, oldest = id, last
			}
		}
		if victim == "" {
			// Everything is pinned; allow a temporary overshoot.
			r.logger.Warn("kernel limit reached with all kernels busy", "kernels", len(r.kernels))
			return
		}
		delete(r.kernels, victim)
		r.logger.Debug("kernel evicted", "identity", victim)
	}
}

// StartPruner runs Prune every IdleTTL/2 until ctx is cancelled.
func (r *Registry) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.IdleTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}
