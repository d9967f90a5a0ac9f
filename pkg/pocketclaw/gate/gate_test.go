package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApprover struct {
	mu       sync.Mutex
	decision Decision
	err      error
	asked    []string
}

func (f *fakeApprover) RequestApproval(_ context.Context, cmd *PendingCommand) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, cmd.ID)
	return f.decision, f.err
}

func newTestGate(t *testing.T, cfg Config, approver Approver) (*Gate, *MemoryAudit) {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	audit := NewMemoryAudit(0)
	return New(cfg, approver, audit, nil), audit
}

func TestProposeSafeRunsImmediately(t *testing.T) {
	t.Parallel()

	g, audit := newTestGate(t, DefaultConfig(), nil)
	cmd := &PendingCommand{Identity: "u1", Kind: KindShell, Command: "echo hello"}
	res := g.Propose(context.Background(), cmd)

	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, []State{StateProposed, StateClassified, StateAutoAllowed, StateExecuted}, cmd.Trace)
	assert.NotEmpty(t, cmd.ID)

	entries := audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeExecuted, entries[0].Outcome)
	assert.Equal(t, TierSafe, entries[0].Tier)
	assert.Equal(t, "u1", entries[0].Identity)
}

func TestProposeDestructiveWithoutApproverIsDenied(t *testing.T) {
	t.Parallel()

	for _, strict := range []bool{true, false} {
		cfg := DefaultConfig()
		cfg.RequireApproval = strict
		cfg.WorkDir = t.TempDir()
		g, audit := newTestGate(t, cfg, nil)

		marker := filepath.Join(cfg.WorkDir, "keep.txt")
		require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))
		cmd := &PendingCommand{Identity: "u1", Kind: KindShell, Command: "rm -rf " + marker}
		res := g.Propose(context.Background(), cmd)

		var denied *CommandDeniedError
		require.ErrorAs(t, res.Err, &denied)
		assert.Equal(t, StateDenied, res.State)
		assert.Equal(t, OutcomeDenied, res.Outcome())
		assert.NotContains(t, cmd.Trace, StateAutoAllowed)
		assert.Equal(t, OutcomeDenied, audit.Entries()[0].Outcome)
		assert.FileExists(t, marker)
	}
}

func TestProposeHiddenDeletionIsDenied(t *testing.T) {
	t.Parallel()

	for _, strict := range []bool{true, false} {
		cfg := DefaultConfig()
		cfg.RequireApproval = strict
		cfg.WorkDir = t.TempDir()
		g, _ := newTestGate(t, cfg, nil)

		victim := filepath.Join(cfg.WorkDir, "victim")
		require.NoError(t, os.Mkdir(victim, 0o755))
		for _, command := range []string{
			`awk 'BEGIN{system("rm -rf ` + victim + `")}'`,
			"/bin/rm -rf " + victim,
			`"rm" -rf ` + victim,
			`\rm -rf ` + victim,
		} {
			res := g.Propose(context.Background(), &PendingCommand{Identity: "u1", Kind: KindShell, Command: command})
			var denied *CommandDeniedError
			require.ErrorAs(t, res.Err, &denied, "strict=%v %s", strict, command)
			assert.DirExists(t, victim)
		}
	}
}

func TestProposeWaitsForApproval(t *testing.T) {
	t.Parallel()

	approver := &fakeApprover{decision: Decision{Approved: true}}
	g, audit := newTestGate(t, DefaultConfig(), approver)

	cmd := &PendingCommand{Identity: "u1", Kind: KindShell, Command: "mkdir reports && echo made"}
	res := g.Propose(context.Background(), cmd)

	require.NoError(t, res.Err)
	assert.Equal(t, "made\n", res.Output)
	assert.Equal(t, []string{cmd.ID}, approver.asked)
	assert.Equal(t, []State{StateProposed, StateClassified, StatePendingApproval, StateExecuted}, cmd.Trace)
	assert.Equal(t, TierRequiresApproval, audit.Entries()[0].Tier)
}

func TestProposeDeniedByUser(t *testing.T) {
	t.Parallel()

	approver := &fakeApprover{decision: Decision{Approved: false}}
	g, _ := newTestGate(t, DefaultConfig(), approver)

	res := g.Propose(context.Background(), &PendingCommand{Identity: "u1", Kind: KindShell, Command: "rm notes.txt"})
	var denied *CommandDeniedError
	require.ErrorAs(t, res.Err, &denied)
	assert.Equal(t, "denied by user", denied.Reason)
	assert.False(t, denied.TimedOut)
}

func TestProposeApprovalTimeout(t *testing.T) {
	t.Parallel()

	approver := &fakeApprover{err: ErrApprovalTimeout}
	g, _ := newTestGate(t, DefaultConfig(), approver)

	res := g.Propose(context.Background(), &PendingCommand{Identity: "u1", Kind: KindShell, Command: "sudo ls"})
	var denied *CommandDeniedError
	require.ErrorAs(t, res.Err, &denied)
	assert.True(t, denied.TimedOut)
}

func TestProposeExecutionFailure(t *testing.T) {
	t.Parallel()

	g, audit := newTestGate(t, DefaultConfig(), nil)
	res := g.Propose(context.Background(), &PendingCommand{Identity: "u1", Kind: KindShell, Command: "ls /definitely/not/here"})

	var failed *CommandExecutionError
	require.ErrorAs(t, res.Err, &failed)
	assert.Equal(t, StateExecuted, res.State)
	assert.NotZero(t, failed.ExitCode)
	assert.Equal(t, OutcomeFailed, audit.Entries()[0].Outcome)
}

func TestProposeTimeoutKillsCommand(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RequireApproval = false
	cfg.CommandTimeout = 100 * time.Millisecond
	g, _ := newTestGate(t, cfg, nil)

	start := time.Now()
	res := g.Propose(context.Background(), &PendingCommand{Identity: "u1", Kind: KindShell, Command: "sleep 5"})
	assert.Less(t, time.Since(start), 3*time.Second)

	var failed *CommandExecutionError
	require.ErrorAs(t, res.Err, &failed)
	assert.Contains(t, failed.Error(), "timed out")
}

func TestProposeOutputIsCapped(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RequireApproval = false
	cfg.MaxOutputBytes = 10
	g, _ := newTestGate(t, cfg, nil)

	res := g.Propose(context.Background(), &PendingCommand{Identity: "u1", Kind: KindShell, Command: "printf 'abcdefghijklmnop'"})
	require.NoError(t, res.Err)
	assert.Equal(t, "abcdefghij", res.Output)
	assert.True(t, res.Truncated)
}

func TestProposeInvalidCommands(t *testing.T) {
	t.Parallel()

	g, audit := newTestGate(t, DefaultConfig(), &fakeApprover{decision: Decision{Approved: true}})
	for _, cmd := range []*PendingCommand{
		{Identity: "u1", Kind: KindShell, Command: "   "},
		{Identity: "u1", Kind: KindWriteFile},
		{Identity: "", Kind: KindShell, Command: "ls"},
		{Identity: "u1", Kind: "launch"},
	} {
		res := g.Propose(context.Background(), cmd)
		var denied *CommandDeniedError
		assert.ErrorAs(t, res.Err, &denied)
	}
	assert.Len(t, audit.Entries(), 4)
}

func TestProposeFileOps(t *testing.T) {
	t.Parallel()

	approver := &fakeApprover{decision: Decision{Approved: true}}
	g, _ := newTestGate(t, DefaultConfig(), approver)
	ctx := context.Background()

	res := g.Propose(ctx, &PendingCommand{Identity: "u1", Kind: KindWriteFile, Path: "notes/todo.md", Content: "- pay rent\n"})
	require.NoError(t, res.Err)
	assert.Len(t, approver.asked, 1, "writes need approval by default")

	res = g.Propose(ctx, &PendingCommand{Identity: "u1", Kind: KindReadFile, Path: "notes/todo.md"})
	require.NoError(t, res.Err)
	assert.Equal(t, "- pay rent\n", res.Output)

	res = g.Propose(ctx, &PendingCommand{Identity: "u1", Kind: KindListDir, Path: "notes"})
	require.NoError(t, res.Err)
	assert.Contains(t, res.Output, "todo.md")

	res = g.Propose(ctx, &PendingCommand{Identity: "u1", Kind: KindReadFile, Path: "missing.txt"})
	var failed *CommandExecutionError
	require.ErrorAs(t, res.Err, &failed)
	assert.True(t, errors.Is(res.Err, os.ErrNotExist))
	assert.Len(t, approver.asked, 1)
}

func TestRunWorkflowStopsAtFirstFailure(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RequireApproval = false
	g, audit := newTestGate(t, cfg, nil)

	res := g.RunWorkflow(context.Background(), "u1", []Step{
		{Kind: KindShell, Command: "echo one"},
		{Kind: KindShell, Command: "exit 3"},
		{Kind: KindShell, Command: "echo three"},
	})

	assert.Equal(t, 3, res.TotalSteps)
	assert.Equal(t, 2, res.CompletedSteps)
	assert.Equal(t, 1, res.SuccessfulSteps)
	assert.True(t, res.Stopped)
	assert.Contains(t, res.StopReason, "step 2 failed")
	require.Len(t, res.Results, 2)
	var failed *CommandExecutionError
	assert.ErrorAs(t, res.Err(), &failed)
	assert.Len(t, audit.Entries(), 2)
}

func TestRunWorkflowStopsAtDeniedStep(t *testing.T) {
	t.Parallel()

	g, _ := newTestGate(t, DefaultConfig(), nil)
	res := g.RunWorkflow(context.Background(), "u1", []Step{
		{Kind: KindShell, Command: "pwd"},
		{Kind: KindShell, Command: "rm -rf data"},
		{Kind: KindShell, Command: "ls"},
	})

	assert.Equal(t, 1, res.SuccessfulSteps)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.True(t, res.Stopped)
	assert.Contains(t, res.StopReason, "step 2 denied")
	assert.True(t, strings.HasPrefix(res.Summary(), "1/3 steps succeeded"))
}

func TestRunWorkflowCancellation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RequireApproval = false
	cfg.WorkDir = t.TempDir()
	g, _ := newTestGate(t, cfg, nil)
	marker := filepath.Join(cfg.WorkDir, "done")

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel while the first step runs: it completes, the second never starts.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res := g.RunWorkflow(ctx, "u1", []Step{
		{Kind: KindShell, Command: "sleep 0.3 && touch " + marker},
		{Kind: KindShell, Command: "echo never"},
	})

	assert.True(t, res.Stopped)
	assert.Contains(t, res.StopReason, "cancelled before step 2")
	require.Len(t, res.Results, 1)
	assert.NoError(t, res.Results[0].Err)
	_, err := os.Stat(marker)
	assert.NoError(t, err, "started step must run to completion")
}
