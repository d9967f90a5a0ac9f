package gate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedNotify struct {
	mu       sync.Mutex
	messages map[string][]string
	sent     chan struct{}
}

func newCapturedNotify() *capturedNotify {
	return &capturedNotify{messages: make(map[string][]string), sent: make(chan struct{}, 8)}
}

func (c *capturedNotify) notify(_ context.Context, identity, msg string) {
	c.mu.Lock()
	c.messages[identity] = append(c.messages[identity], msg)
	c.mu.Unlock()
	c.sent <- struct{}{}
}

func TestApprovalManagerResolve(t *testing.T) {
	t.Parallel()

	n := newCapturedNotify()
	m := NewApprovalManager(time.Second, n.notify, nil)
	cmd := &PendingCommand{ID: "cmd-1", Identity: "u1", Kind: KindShell, Command: "rm -rf build", Reason: "destructive: deletion"}

	type answer struct {
		d   Decision
		err error
	}
	done := make(chan answer, 1)
	go func() {
		d, err := m.RequestApproval(context.Background(), cmd)
		done <- answer{d, err}
	}()

	<-n.sent
	assert.Equal(t, "cmd-1", m.LatestPending("u1"))
	require.Len(t, m.PendingFor("u1"), 1)
	assert.Empty(t, m.PendingFor("u2"))

	n.mu.Lock()
	prompt := n.messages["u1"][0]
	n.mu.Unlock()
	assert.Contains(t, prompt, "/approve cmd-1")
	assert.Contains(t, prompt, "rm -rf build")

	// Another identity cannot answer.
	assert.False(t, m.Resolve("cmd-1", "u2", true, ""))
	assert.True(t, m.Resolve("cmd-1", "u1", true, ""))

	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.d.Approved)
	assert.Equal(t, "", m.LatestPending("u1"))
	assert.False(t, m.Resolve("cmd-1", "u1", true, ""), "resolved approvals are gone")
}

func TestApprovalManagerTimeout(t *testing.T) {
	t.Parallel()

	m := NewApprovalManager(30*time.Millisecond, nil, nil)
	d, err := m.RequestApproval(context.Background(), &PendingCommand{ID: "x", Identity: "u1", Kind: KindShell, Command: "sudo ls"})
	assert.ErrorIs(t, err, ErrApprovalTimeout)
	assert.False(t, d.Approved)
	assert.Empty(t, m.PendingFor("u1"))
}

func TestApprovalManagerContextCancel(t *testing.T) {
	t.Parallel()

	m := NewApprovalManager(time.Minute, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.RequestApproval(ctx, &PendingCommand{ID: "y", Identity: "u1", Kind: KindShell, Command: "reboot"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateWithApprovalManager(t *testing.T) {
	t.Parallel()

	n := newCapturedNotify()
	m := NewApprovalManager(time.Second, n.notify, nil)
	g, audit := newTestGate(t, DefaultConfig(), m)

	go func() {
		<-n.sent
		m.Resolve(m.LatestPending("u1"), "u1", false, "not today")
	}()
	res := g.Propose(context.Background(), &PendingCommand{Identity: "u1", Kind: KindShell, Command: "chmod +x run.sh"})

	var denied *CommandDeniedError
	require.ErrorAs(t, res.Err, &denied)
	assert.Equal(t, "not today", denied.Reason)
	assert.Equal(t, "not today", audit.Entries()[0].Reason)
}

func TestFormatApprovalPromptEscapesBackticks(t *testing.T) {
	t.Parallel()

	got := FormatApprovalPrompt(&PendingApproval{ID: "id", Summary: "echo `whoami`", Reason: "r"})
	assert.False(t, strings.Contains(got, "``"))
	assert.Contains(t, got, "/deny id")
}

func TestFormatApprovalPromptTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	summary := "echo " + strings.Repeat("ü", 200)
	got := FormatApprovalPrompt(&PendingApproval{ID: "id", Summary: summary, Reason: "r"})
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "echo "+strings.Repeat("ü", 97)+"...`")
}
