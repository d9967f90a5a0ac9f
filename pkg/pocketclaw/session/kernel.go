// Package session keeps one isolated execution context per user identity.
// A Kernel owns the identity's activated capability groups, its resolved
// tool set and its conversation history. The Registry creates kernels on
// first contact, serializes turns per identity and evicts idle kernels.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
)

// DefaultMaxHistory is the per-kernel history bound, in messages.
const DefaultMaxHistory = 40

// Message is one entry of a kernel's conversation history.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
	At      time.Time
}

// Kernel is the execution context of a single identity. Fields are guarded
// by mu so that status readers can inspect a kernel while a turn holds it.
type Kernel struct {
	identity  string
	CreatedAt time.Time

	mu           sync.RWMutex
	groups       []string
	tools        capability.ToolSet
	report       capability.Report
	history      []Message
	maxHistory   int
	lastActiveAt time.Time

	// turn is a one-slot semaphore; holding it means owning the turn.
	turn chan struct{}

	// refs pins the kernel against eviction. Guarded by the registry lock.
	refs int
}

func newKernel(identity string, maxHistory int) *Kernel {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	now := time.Now()
	return &Kernel{
		identity:     identity,
		CreatedAt:    now,
		maxHistory:   maxHistory,
		lastActiveAt: now,
		turn:         make(chan struct{}, 1),
	}
}

// Identity returns the identity this kernel belongs to.
func (k *Kernel) Identity() string { return k.identity }

// Groups returns the activated groups in activation order.
func (k *Kernel) Groups() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Clone(k.groups)
}

// HasGroup reports whether group is activated.
func (k *Kernel) HasGroup(group string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Contains(k.groups, group)
}

// Activate appends groups not yet activated and reports whether any was new.
// Callers pass canonical slugs.
func (k *Kernel) Activate(groups ...string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	added := false
	for _, g := range groups {
		if g == "" || slices.Contains(k.groups, g) {
			continue
		}
		k.groups = append(k.groups, g)
		added = true
	}
	return added
}

// SetTools replaces the kernel's resolved tool set.
func (k *Kernel) SetTools(tools capability.ToolSet, report capability.Report) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.tools = tools
	k.report = report
}

// Tools returns the current tool set and the report that produced it.
func (k *Kernel) Tools() (capability.ToolSet, capability.Report) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tools, k.report
}

// AddExchange records a user message and the assistant's reply, trimming
// the oldest messages past the history bound.
func (k *Kernel) AddExchange(userText, response string) {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.history = append(k.history,
		Message{Role: "user", Content: userText, At: now},
		Message{Role: "assistant", Content: response, At: now},
	)
	if len(k.history) > k.maxHistory {
		k.history = slices.Clone(k.history[len(k.history)-k.maxHistory:])
	}
	k.lastActiveAt = now
}

// History returns a copy of the conversation history, oldest first.
func (k *Kernel) History() []Message {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return slices.Clone(k.history)
}

// ClearHistory drops the conversation history.
func (k *Kernel) ClearHistory() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.history = nil
}

// LastActiveAt returns the time of the last turn.
func (k *Kernel) LastActiveAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastActiveAt
}

func (k *Kernel) touch() {
	k.mu.Lock()
	k.lastActiveAt = time.Now()
	k.mu.Unlock()
}
