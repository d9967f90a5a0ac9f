package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/authflow"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/friction"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gate"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/llm"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

// scriptedReasoner replays one step per Generate call and answers "ok" once
// the script runs out.
type scriptedReasoner struct {
	mu    sync.Mutex
	steps []func(llm.Request) (*llm.Response, error)
	reqs  []llm.Request
}

func (r *scriptedReasoner) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	var step func(llm.Request) (*llm.Response, error)
	if len(r.steps) > 0 {
		step, r.steps = r.steps[0], r.steps[1:]
	}
	r.mu.Unlock()
	if step == nil {
		return &llm.Response{Content: "ok"}, nil
	}
	return step(req)
}

func (r *scriptedReasoner) requests() []llm.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Request(nil), r.reqs...)
}

func say(text string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) { return &llm.Response{Content: text}, nil }
}

func call(id, name, args string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}}, nil
	}
}

// echoReasoner answers with the last user message.
type echoReasoner struct{}

func (echoReasoner) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	last := req.History[len(req.History)-1]
	return &llm.Response{Content: "echo: " + last.Content}, nil
}

type fakeResolver struct {
	ops map[string][]capability.Operation
}

func (f *fakeResolver) Resolve(_ context.Context, groups []string) (capability.ToolSet, capability.Report) {
	var ts capability.ToolSet
	var rep capability.Report
	for _, g := range groups {
		ops := f.ops[g]
		ts = append(ts, ops...)
		rep.Groups = append(rep.Groups, capability.GroupReport{Group: g, Default: len(ops), Total: len(ops)})
		if len(ops) == 0 {
			rep.Unavailable = append(rep.Unavailable, g)
		}
	}
	return ts, rep
}

func op(group, slug string) capability.Operation {
	return capability.Operation{
		Slug:        slug,
		Group:       group,
		Name:        slug,
		Description: "does " + strings.ToLower(slug),
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

type fakeAuth struct {
	mu     sync.Mutex
	active map[string]bool
	minted int
	forced int
}

func newFakeAuth() *fakeAuth { return &fakeAuth{active: make(map[string]bool)} }

func (f *fakeAuth) activate(identity, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[identity+"|"+group] = true
}

func (f *fakeAuth) EnsureAuthorized(_ context.Context, identity, group string, force bool) (authflow.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if force {
		f.forced++
	}
	if f.active[identity+"|"+group] && !force {
		return authflow.Outcome{
			State: authflow.Active,
			Group: group,
			Grant: provider.Grant{Group: group, Status: provider.StatusActive},
		}, nil
	}
	f.minted++
	link := provider.Link{
		Group:    group,
		Identity: identity,
		URL:      fmt.Sprintf("https://connect.example/%s/%s/%d", identity, group, f.minted),
	}
	return authflow.Outcome{State: authflow.LinkIssued, Group: group, Link: &link}, nil
}

func (f *fakeAuth) Status(_ context.Context, identity, group string) provider.Grant {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[identity+"|"+group] {
		return provider.Grant{Group: group, Status: provider.StatusActive}
	}
	return provider.Grant{Group: group, Status: provider.StatusAbsent}
}

type execFunc func(identity, group, slug string, args map[string]any) (*provider.ExecResult, error)

func (f execFunc) Execute(_ context.Context, identity, group, slug string, args map[string]any) (*provider.ExecResult, error) {
	return f(identity, group, slug, args)
}

type fakeMemory struct {
	mu        sync.Mutex
	block     string
	persisted []string
}

func (m *fakeMemory) LoadContext(context.Context, string, string) string { return m.block }

func (m *fakeMemory) Persist(identity, text, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, identity+": "+text+" => "+response)
}

type harness struct {
	assistant *Assistant
	reasoner  *scriptedReasoner
	auth      *fakeAuth
	memory    *fakeMemory
}

func newHarness(t *testing.T, exec Executor, steps ...func(llm.Request) (*llm.Response, error)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Session.DefaultGroups = []string{"gmail", "notion"}

	h := &harness{
		reasoner: &scriptedReasoner{steps: steps},
		auth:     newFakeAuth(),
		memory:   &fakeMemory{},
	}
	a, err := New(cfg, Deps{
		Tools: &fakeResolver{ops: map[string][]capability.Operation{
			"gmail":  {op("gmail", "GMAIL_FETCH_EMAILS"), op("gmail", "GMAIL_SEND_EMAIL")},
			"notion": {op("notion", "NOTION_SEARCH")},
			"slack":  {op("slack", "SLACK_SEND_MESSAGE")},
		}},
		Auth:     h.auth,
		Executor: exec,
		Reasoner: h.reasoner,
		Memory:   h.memory,
	})
	require.NoError(t, err)
	h.assistant = a
	return h
}

func toolNamesOf(defs []llm.ToolDef) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestNewRequiresReasoner(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Deps{})
	require.Error(t, err)
}

func TestHandleTurnPlainReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, say("**Hello** there"))
	h.memory.block = "<relevant-memories>\n- likes tea\n</relevant-memories>"
	h.auth.activate("u1", "gmail")

	reply, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "Hello there", reply.Text)
	assert.NotEmpty(t, reply.TurnID)
	assert.False(t, reply.Command)
	assert.Zero(t, reply.ToolCalls)

	reqs := h.reasoner.requests()
	require.Len(t, reqs, 1)
	assert.True(t, strings.HasPrefix(reqs[0].Instructions, "<relevant-memories>"))
	assert.Contains(t, reqs[0].Instructions, "CONNECTED APPS: GMAIL (gmail)")
	assert.Contains(t, reqs[0].Instructions, "NOT YET CONNECTED: NOTION (notion)")
	assert.NotContains(t, reqs[0].Instructions, friction.SystemDirective)

	names := toolNamesOf(reqs[0].Tools)
	assert.Contains(t, names, ToolGenerateAuthLink)
	assert.Contains(t, names, "GMAIL_FETCH_EMAILS")
	assert.Contains(t, names, "NOTION_SEARCH")
	assert.NotContains(t, names, ToolShell)

	k := h.assistant.Registry().Get("u1")
	require.NotNil(t, k)
	hist := k.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "user", hist[0].Role)
	assert.Equal(t, "Hello there", hist[1].Content)
	assert.Equal(t, []string{"u1: hi => Hello there"}, h.memory.persisted)
}

func TestHandleTurnEmptyIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "  ", Text: "hi"})
	assert.ErrorIs(t, err, ErrEmptyIdentity)
}

func TestHandleTurnEmptyTextIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	reply, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, reply.Text)
	assert.Empty(t, h.reasoner.requests())
}

func TestHandleTurnDropsDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, say("first"), say("second"))
	h.assistant.dedupe = NewMemoryDedupe()

	first, err := h.assistant.HandleTurn(context.Background(), Turn{ID: "m1", Identity: "u1", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "first", first.Text)

	again, err := h.assistant.HandleTurn(context.Background(), Turn{ID: "m1", Identity: "u1", Text: "hi"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Empty(t, again.Text)
	assert.Len(t, h.reasoner.requests(), 1)
}

func TestHandleTurnExecutesOperations(t *testing.T) {
	t.Parallel()

	var got map[string]any
	exec := execFunc(func(identity, group, slug string, args map[string]any) (*provider.ExecResult, error) {
		assert.Equal(t, "u1", identity)
		assert.Equal(t, "gmail", group)
		assert.Equal(t, "GMAIL_FETCH_EMAILS", slug)
		got = args
		return &provider.ExecResult{Data: json.RawMessage(`{"messages":[{"subject":"Invoice"}]}`)}, nil
	})
	h := newHarness(t, exec,
		call("c1", "GMAIL_FETCH_EMAILS", `{"max_results":1}`),
		say("You have one email about an invoice."),
	)
	h.auth.activate("u1", "gmail")

	reply, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "any mail?"})
	require.NoError(t, err)

	assert.Equal(t, "You have one email about an invoice.", reply.Text)
	assert.Equal(t, 1, reply.ToolCalls)
	assert.Equal(t, float64(1), got["max_results"])

	reqs := h.reasoner.requests()
	require.Len(t, reqs, 2)
	hist := reqs[1].History
	require.GreaterOrEqual(t, len(hist), 3)
	assistantMsg, toolMsg := hist[len(hist)-2], hist[len(hist)-1]
	assert.Equal(t, llm.RoleAssistant, assistantMsg.Role)
	require.Len(t, assistantMsg.ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.JSONEq(t, `{"messages":[{"subject":"Invoice"}]}`, toolMsg.Content)
}

func TestUnknownToolIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, execFunc(func(string, string, string, map[string]any) (*provider.ExecResult, error) {
		t.Error("executor must not run for unknown tools")
		return nil, nil
	}), call("c1", "DROPBOX_UPLOAD", `{}`), say("done"))

	_, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "upload it"})
	require.NoError(t, err)

	reqs := h.reasoner.requests()
	require.Len(t, reqs, 2)
	last := reqs[1].History[len(reqs[1].History)-1]
	assert.True(t, strings.HasPrefix(last.Content, "[ERROR] unknown tool DROPBOX_UPLOAD"))
}

func TestAuthRequiredBecomesLink(t *testing.T) {
	t.Parallel()

	exec := execFunc(func(string, string, string, map[string]any) (*provider.ExecResult, error) {
		return nil, &provider.AuthRequiredError{Group: "gmail", Message: "no connected account"}
	})
	h := newHarness(t, exec,
		call("c1", "GMAIL_SEND_EMAIL", `{"to":"a@b.c"}`),
		say("I could not send it yet."),
	)

	reply, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "email bob"})
	require.NoError(t, err)

	require.Len(t, reply.Links, 1)
	url := reply.Links[0].URL
	assert.Equal(t, "https://connect.example/u1/gmail/1", url)
	assert.Equal(t, 1, h.auth.forced)

	// The model never repeated the link, so it is appended.
	assert.Contains(t, reply.Text, "I could not send it yet.")
	assert.Contains(t, reply.Text, url)

	reqs := h.reasoner.requests()
	toolMsg := reqs[1].History[len(reqs[1].History)-1]
	assert.True(t, strings.HasPrefix(toolMsg.Content, "[AUTH REQUIRED]"))
	assert.NotContains(t, toolMsg.Content, "no connected account")
}

func TestConnectFlowActivatesGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil,
		call("c1", ToolGenerateAuthLink, `{"app":"Slack"}`),
		func(req llm.Request) (*llm.Response, error) {
			last := req.History[len(req.History)-1].Content
			url := strings.Fields(strings.SplitN(last, ": ", 2)[1])[0]
			return &llm.Response{Content: "Connect here: " + url}, nil
		},
	)

	first, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "post in slack"})
	require.NoError(t, err)
	require.Len(t, first.Links, 1)
	assert.Equal(t, "slack", first.Links[0].Group)
	assert.Equal(t, 1, strings.Count(first.Text, first.Links[0].URL))

	k := h.assistant.Registry().Get("u1")
	require.NotNil(t, k)
	assert.True(t, k.HasGroup("slack"))

	// The user finishes authorization; the next turn sees the group as
	// connected and gets its operations.
	h.auth.activate("u1", "slack")
	h.reasoner.mu.Lock()
	h.reasoner.steps = append(h.reasoner.steps,
		call("c2", ToolCheckConnection, `{"app":"slack"}`),
		call("c3", ToolGenerateAuthLink, `{"app":"slack"}`),
		say("Slack is ready."),
	)
	h.reasoner.mu.Unlock()

	second, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "try again"})
	require.NoError(t, err)
	assert.Equal(t, "Slack is ready.", second.Text)
	assert.Empty(t, second.Links)

	reqs := h.reasoner.requests()
	require.Len(t, reqs, 5)
	assert.Contains(t, toolNamesOf(reqs[2].Tools), "SLACK_SEND_MESSAGE")
	assert.Contains(t, reqs[2].Instructions, "SLACK (slack)")

	hist := reqs[4].History
	assert.True(t, strings.HasPrefix(hist[len(hist)-3].Content, "[OK] SLACK is connected"))
	assert.True(t, strings.HasPrefix(hist[len(hist)-1].Content, "[OK] SLACK is already connected"))
	assert.Equal(t, 1, h.auth.minted)
}

func TestReasonerFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, func(llm.Request) (*llm.Response, error) {
		return nil, errors.New("502 bad gateway")
	})

	_, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "hi"})
	require.ErrorIs(t, err, ErrReasoningUnavailable)
	assert.Contains(t, UserMessage(err), "reasoning service")

	k := h.assistant.Registry().Get("u1")
	require.NotNil(t, k)
	assert.Empty(t, k.History())
	assert.Empty(t, h.memory.persisted)
}

func TestToolRoundLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil,
		call("c1", ToolCheckConnection, `{"app":"gmail"}`),
		call("c2", ToolCheckConnection, `{"app":"gmail"}`),
		say("Giving up."),
	)
	h.assistant.cfg.Reasoning.MaxIterations = 2

	reply, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "loop"})
	require.NoError(t, err)
	assert.Equal(t, "Giving up.", reply.Text)
	assert.Equal(t, 2, reply.ToolCalls)

	reqs := h.reasoner.requests()
	require.Len(t, reqs, 3)
	assert.Empty(t, reqs[2].Tools)
	assert.Contains(t, reqs[2].Instructions, "tool budget")
}

func TestFrictionTurnIsProactive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, say("Here is a script that does it."))
	reply, err := h.assistant.HandleTurn(context.Background(), Turn{
		Identity: "u1",
		Text:     "I'm so tired of copying invoices into a spreadsheet by hand every week",
	})
	require.NoError(t, err)
	assert.True(t, reply.Proactive)

	reqs := h.reasoner.requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Instructions, friction.SystemDirective)
}

func TestCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.auth.activate("u1", "gmail")
	run := func(text string) Reply {
		t.Helper()
		r, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: text})
		require.NoError(t, err)
		return r
	}

	help := run("/help")
	assert.True(t, help.Command)
	assert.Contains(t, help.Text, "/connect")

	link := run("/connect Slack")
	assert.True(t, link.Command)
	assert.Contains(t, link.Text, "https://connect.example/u1/slack/1")

	already := run("/connect gmail")
	assert.Contains(t, already.Text, "already connected")

	forced := run("/connect gmail --force")
	assert.Contains(t, forced.Text, "https://connect.example/u1/gmail/2")

	status := run("/status gmail")
	assert.Equal(t, "GMAIL: connected", status.Text)

	apps := run("/apps")
	assert.Contains(t, apps.Text, "Connected: GMAIL (gmail)")
	assert.Contains(t, apps.Text, "SLACK (slack)")

	tools := run("/tools")
	assert.Contains(t, tools.Text, "GMAIL_FETCH_EMAILS")
	assert.Contains(t, tools.Text, "SLACK_SEND_MESSAGE")

	summary := run("/status")
	assert.Contains(t, summary.Text, "Session: u1")

	// Unknown commands go to the reasoning step.
	unknown := run("/weather tomorrow")
	assert.False(t, unknown.Command)
	assert.Equal(t, "ok", unknown.Text)

	assert.Len(t, h.reasoner.requests(), 1)
}

func TestResetClearsHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, say("one"))
	_, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "hi"})
	require.NoError(t, err)

	r, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "/reset"})
	require.NoError(t, err)
	assert.True(t, r.Command)
	assert.Empty(t, h.assistant.Registry().Get("u1").History())
}

type notifyCapture struct {
	sent chan string
}

func (n *notifyCapture) notify(_ context.Context, identity, message string) {
	n.sent <- identity + ": " + message
}

func newGateHarness(t *testing.T, requireApproval bool, steps ...func(llm.Request) (*llm.Response, error)) (*harness, *notifyCapture, string) {
	t.Helper()
	h := newHarness(t, nil, steps...)
	dir := t.TempDir()
	n := &notifyCapture{sent: make(chan string, 4)}
	approvals := gate.NewApprovalManager(5*time.Second, n.notify, nil)
	cfg := gate.DefaultConfig()
	cfg.WorkDir = dir
	cfg.RequireApproval = requireApproval
	h.assistant.gate = gate.New(cfg, approvals, gate.NewMemoryAudit(0), nil)
	h.assistant.approvals = approvals
	return h, n, dir
}

func TestApproveRunsWhileTurnWaits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, n, dir := newGateHarness(t, true,
		call("c1", ToolShell, `{"command":"touch approved.txt"}`),
		say("Created the file."),
	)

	done := make(chan Reply, 1)
	go func() {
		r, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "create approved.txt"})
		assert.NoError(t, err)
		done <- r
	}()

	select {
	case msg := <-n.sent:
		assert.Contains(t, msg, "u1: Approval required")
		assert.Contains(t, msg, "touch approved.txt")
	case <-time.After(3 * time.Second):
		t.Fatal("approval prompt never sent")
	}

	// The first turn still holds the session; approval must not wait on it.
	approve, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "/approve"})
	require.NoError(t, err)
	assert.Equal(t, "Approved.", approve.Text)

	select {
	case r := <-done:
		assert.Equal(t, "Created the file.", r.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after approval")
	}

	_, err = os.Stat(filepath.Join(dir, "approved.txt"))
	assert.NoError(t, err)

	reqs := h.reasoner.requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, toolNamesOf(reqs[0].Tools), ToolShell)
	assert.True(t, strings.HasPrefix(reqs[1].History[len(reqs[1].History)-1].Content, "[OK]"))
}

func TestDenyIsFedBackToModel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, n, dir := newGateHarness(t, true,
		call("c1", ToolShell, `{"command":"touch denied.txt"}`),
		say("Okay, I left it alone."),
	)

	done := make(chan Reply, 1)
	go func() {
		r, _ := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "create denied.txt"})
		done <- r
	}()

	select {
	case <-n.sent:
	case <-time.After(3 * time.Second):
		t.Fatal("approval prompt never sent")
	}

	id := h.assistant.Approvals().LatestPending("u1")
	require.NotEmpty(t, id)

	// Another identity cannot resolve it.
	other, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u2", Text: "/deny " + id})
	require.NoError(t, err)
	assert.Equal(t, "Approval not found or already resolved.", other.Text)

	deny, err := h.assistant.HandleTurn(ctx, Turn{Identity: "u1", Text: "/deny " + id + " not now"})
	require.NoError(t, err)
	assert.Equal(t, "Denied.", deny.Text)

	select {
	case r := <-done:
		assert.Equal(t, "Okay, I left it alone.", r.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after denial")
	}

	_, err = os.Stat(filepath.Join(dir, "denied.txt"))
	assert.True(t, os.IsNotExist(err))

	reqs := h.reasoner.requests()
	last := reqs[1].History[len(reqs[1].History)-1].Content
	assert.Equal(t, "[DENIED] not now. The command was not run; do not retry it.", last)
}

func TestApproveWithNothingPending(t *testing.T) {
	t.Parallel()

	h, _, _ := newGateHarness(t, true)
	r, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "/approve"})
	require.NoError(t, err)
	assert.Equal(t, "No pending approvals.", r.Text)
}

func TestWorkflowTool(t *testing.T) {
	t.Parallel()

	h, _, dir := newGateHarness(t, false,
		call("c1", ToolWorkflow, `{"steps":[{"kind":"write_file","path":"notes.txt","content":"hello"},{"kind":"read_file","path":"notes.txt"}]}`),
		say("done"),
	)

	_, err := h.assistant.HandleTurn(context.Background(), Turn{Identity: "u1", Text: "write and read notes"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	reqs := h.reasoner.requests()
	result := reqs[1].History[len(reqs[1].History)-1].Content
	assert.True(t, strings.HasPrefix(result, "2/2 steps succeeded"))
	assert.Contains(t, result, "hello")
}

func TestConcurrentIdentitiesAreIsolated(t *testing.T) {
	t.Parallel()

	a, err := New(DefaultConfig(), Deps{Reasoner: echoReasoner{}})
	require.NoError(t, err)

	const users = 8
	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", i)
			for j := range 3 {
				r, err := a.HandleTurn(context.Background(), Turn{Identity: id, Text: fmt.Sprintf("%s msg %d", id, j)})
				assert.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("echo: %s msg %d", id, j), r.Text)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, users, a.Registry().Count())
	for i := range users {
		id := fmt.Sprintf("user-%d", i)
		hist := a.Registry().Get(id).History()
		require.Len(t, hist, 6)
		for _, m := range hist {
			assert.Contains(t, m.Content, id+" msg")
		}
	}
}

func TestRequestLinkAndGroupStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	out, err := h.assistant.RequestLink(ctx, "u1", "Slack", false)
	require.NoError(t, err)
	assert.Equal(t, authflow.LinkIssued, out.State)
	require.NotNil(t, out.Link)
	assert.True(t, h.assistant.Registry().Get("u1").HasGroup("slack"))

	grant, err := h.assistant.GroupStatus(ctx, "u1", "slack")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusAbsent, grant.Status)

	h.auth.activate("u1", "slack")
	out, err = h.assistant.RequestLink(ctx, "u1", "slack", false)
	require.NoError(t, err)
	assert.True(t, out.Authorized())

	_, err = h.assistant.RequestLink(ctx, "", "slack", false)
	assert.ErrorIs(t, err, ErrEmptyIdentity)

	bare, err := New(nil, Deps{Reasoner: echoReasoner{}})
	require.NoError(t, err)
	_, err = bare.GroupStatus(ctx, "u1", "gmail")
	assert.ErrorIs(t, err, ErrNoAuthorizer)
}
