package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	var inits atomic.Int32
	r := NewRegistry(Config{
		Initializer: func(ctx context.Context, k *Kernel) error {
			inits.Add(1)
			time.Sleep(20 * time.Millisecond)
			k.Activate("gmail", "notion")
			return nil
		},
	})

	const callers = 16
	kernels := make([]*Kernel, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := r.GetOrCreate(context.Background(), "alice")
			assert.NoError(t, err)
			kernels[i] = k
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inits.Load())
	for _, k := range kernels {
		assert.Same(t, kernels[0], k)
	}
	again, err := r.GetOrCreate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Same(t, kernels[0], again)
	assert.Equal(t, []string{"gmail", "notion"}, again.Groups())
	assert.Equal(t, 1, r.Count())
}

func TestGetOrCreateRejectsEmptyIdentity(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	_, err := r.GetOrCreate(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

func TestInitializerFailureStillRegisters(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{
		Initializer: func(ctx context.Context, k *Kernel) error {
			k.Activate("gmail")
			return errors.New("provider down")
		},
	})
	k, err := r.GetOrCreate(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"gmail"}, k.Groups())
	assert.Same(t, k, r.Get("bob"))
}

func TestAcquireSerializesTurnsPerIdentity(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	ctx := context.Background()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, release, err := r.Acquire(ctx, "carol")
			if !assert.NoError(t, err) {
				return
			}
			defer release()
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestAcquireDifferentIdentitiesRunInParallel(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	ctx := context.Background()

	_, releaseA, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, releaseB, err := r.Acquire(ctx, "b")
		if assert.NoError(t, err) {
			releaseB()
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("turn for b blocked behind a")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	_, release, err := r.Acquire(context.Background(), "dave")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = r.Acquire(ctx, "dave")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // second call is a no-op

	k := r.Get("dave")
	r.mu.RLock()
	refs := k.refs
	r.mu.RUnlock()
	assert.Equal(t, 0, refs)
}

func TestPruneSkipsPinnedKernels(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{IdleTTL: time.Hour})
	ctx := context.Background()

	idle, err := r.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	busy, release, err := r.Acquire(ctx, "busy")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, "fresh")
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	idle.mu.Lock()
	idle.lastActiveAt = old
	idle.mu.Unlock()
	busy.mu.Lock()
	busy.lastActiveAt = old
	busy.mu.Unlock()

	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, []string{"busy", "fresh"}, r.Identities())

	release()
	busy.mu.Lock()
	busy.lastActiveAt = old
	busy.mu.Unlock()
	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, []string{"fresh"}, r.Identities())

	// A turn after eviction recreates the kernel.
	k, err := r.GetOrCreate(ctx, "idle")
	require.NoError(t, err)
	assert.NotSame(t, idle, k)
}

func TestMaxKernelsEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{MaxKernels: 3})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := range 3 {
		k, err := r.GetOrCreate(ctx, fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		k.mu.Lock()
		k.lastActiveAt = base.Add(time.Duration(i) * time.Minute)
		k.mu.Unlock()
	}
	// u0 is the oldest but busy, so u1 goes.
	_, release, err := r.Acquire(ctx, "u0")
	require.NoError(t, err)
	defer release()
	r.Get("u0").mu.Lock()
	r.Get("u0").lastActiveAt = base.Add(-time.Hour)
	r.Get("u0").mu.Unlock()

	_, err = r.GetOrCreate(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, []string{"u0", "u2", "u3"}, r.Identities())
}

func TestStartPrunerStopsWithContext(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{IdleTTL: 20 * time.Millisecond})
	k, err := r.GetOrCreate(context.Background(), "eve")
	require.NoError(t, err)
	k.mu.Lock()
	k.lastActiveAt = time.Now().Add(-time.Minute)
	k.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.StartPruner(ctx)
	require.Eventually(t, func() bool { return r.Count() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
}

func TestKernelHistoryIsBounded(t *testing.T) {
	t.Parallel()

	k := newKernel("frank", 4)
	for i := range 5 {
		k.AddExchange(fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	h := k.History()
	require.Len(t, h, 4)
	assert.Equal(t, "q3", h[0].Content)
	assert.Equal(t, "assistant", h[3].Role)
	assert.Equal(t, "a4", h[3].Content)
}

func TestKernelActivateAndTools(t *testing.T) {
	t.Parallel()

	k := newKernel("grace", 0)
	assert.True(t, k.Activate("gmail", "gmail", ""))
	assert.False(t, k.Activate("gmail"))
	assert.True(t, k.HasGroup("gmail"))

	tools := capability.ToolSet{{Slug: "GMAIL_SEND_EMAIL", Group: "gmail"}}
	k.SetTools(tools, capability.Report{})
	got, _ := k.Tools()
	assert.Equal(t, tools, got)
}
