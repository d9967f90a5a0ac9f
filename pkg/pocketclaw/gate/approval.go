package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultApprovalTimeout is how long a command waits for a decision.
const DefaultApprovalTimeout = 120 * time.Second

// ErrApprovalTimeout is returned when nobody answered in time.
var ErrApprovalTimeout = errors.New("approval timed out")

// Decision is the answer to an approval request.
type Decision struct {
	Approved bool
	Reason   string
}

// Approver obtains an explicit decision for one exact command.
type Approver interface {
	RequestApproval(ctx context.Context, cmd *PendingCommand) (Decision, error)
}

// NotifyFunc delivers an approval prompt to the identity.
type NotifyFunc func(ctx context.Context, identity, message string)

// PendingApproval is a command waiting on a decision.
type PendingApproval struct {
	ID        string
	Identity  string
	Summary   string
	Tier      Tier
	Reason    string
	CreatedAt time.Time

	result chan Decision
}

// ApprovalManager is an Approver resolved out of band: the prompt goes to
// the user through the notify callback and a later /approve or /deny (or the
// HTTP approvals endpoint) calls Resolve with the command ID.
type ApprovalManager struct {
	timeout time.Duration
	notify  NotifyFunc

	mu      sync.Mutex
	pending map[string]*PendingApproval
	logger  *slog.Logger
}

// NewApprovalManager creates an approval manager. A timeout <= 0 uses the
// default.
func NewApprovalManager(timeout time.Duration, notify NotifyFunc, logger *slog.Logger) *ApprovalManager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalManager{
		timeout: timeout,
		notify:  notify,
		pending: make(map[string]*PendingApproval),
		logger:  logger.With("component", "approval_manager"),
	}
}

// SetNotify replaces the notify callback.
func (m *ApprovalManager) SetNotify(fn NotifyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// RequestApproval registers cmd, prompts the user and blocks until Resolve,
// the timeout or ctx cancellation.
func (m *ApprovalManager) RequestApproval(ctx context.Context, cmd *PendingCommand) (Decision, error) {
	pa := &PendingApproval{
		ID:        cmd.ID,
		Identity:  cmd.Identity,
		Summary:   cmd.Summary(),
		Tier:      cmd.Tier,
		Reason:    cmd.Reason,
		CreatedAt: time.Now(),
		result:    make(chan Decision, 1),
	}

	m.mu.Lock()
	if _, dup := m.pending[pa.ID]; dup {
		m.mu.Unlock()
		return Decision{}, fmt.Errorf("approval %s already pending", pa.ID)
	}
	m.pending[pa.ID] = pa
	notify := m.notify
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, pa.ID)
		m.mu.Unlock()
	}()

	m.logger.Info("approval requested", "id", pa.ID, "identity", pa.Identity, "reason", pa.Reason)
	if notify != nil {
		notify(ctx, pa.Identity, FormatApprovalPrompt(pa))
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case d := <-pa.result:
		m.logger.Info("approval resolved", "id", pa.ID, "approved", d.Approved)
		return d, nil
	case <-timer.C:
		m.logger.Warn("approval timed out", "id", pa.ID)
		return Decision{Reason: "no answer"}, ErrApprovalTimeout
	case <-ctx.Done():
		return Decision{Reason: "cancelled"}, ctx.Err()
	}
}

// Resolve answers a pending approval. Only the identity that owns the
// command may resolve it. Reports whether a waiting command received the
// decision.
func (m *ApprovalManager) Resolve(id, identity string, approved bool, reason string) bool {
	m.mu.Lock()
	pa, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if pa.Identity != identity {
		m.logger.Warn("approval resolve rejected: identity mismatch",
			"id", id, "resolver", identity, "owner", pa.Identity)
		return false
	}
	select {
	case pa.result <- Decision{Approved: approved, Reason: reason}:
		return true
	default:
		return false
	}
}

// LatestPending returns the newest pending approval ID for identity, or "".
func (m *ApprovalManager) LatestPending(identity string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *PendingApproval
	for _, pa := range m.pending {
		if pa.Identity == identity && (latest == nil || pa.CreatedAt.After(latest.CreatedAt)) {
			latest = pa
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ID
}

// PendingFor lists identity's pending approvals, oldest first.
func (m *ApprovalManager) PendingFor(identity string) []PendingApproval {
	m.mu.Lock()
	var out []PendingApproval
	for _, pa := range m.pending {
		if pa.Identity == identity {
			cp := *pa
			cp.result = nil
			out = append(out, cp)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// FormatApprovalPrompt renders the message sent to the user.
func FormatApprovalPrompt(pa *PendingApproval) string {
	summary := strings.ReplaceAll(pa.Summary, "`", "`\u200b")
	if n := 200; len(summary) > n {
		for n > 0 && !utf8.RuneStart(summary[n]) {
			n--
		}
		summary = summary[:n] + "..."
	}
	return fmt.Sprintf("Approval required (%s): `%s`\n\nReply /approve %s or /deny %s",
		pa.Reason, summary, pa.ID, pa.ID)
}
