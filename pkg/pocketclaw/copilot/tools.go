package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/authflow"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gate"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/llm"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

// Built-in tool names.
const (
	ToolGenerateAuthLink = "generate_auth_link"
	ToolCheckConnection  = "check_app_connection"
	ToolShell            = "execute_shell_command"
	ToolReadFile         = "read_local_file"
	ToolWriteFile        = "write_local_file"
	ToolListDir          = "list_local_directory"
	ToolWorkflow         = "execute_workflow"
)

// maxToolResult caps what one tool call feeds back to the model.
const maxToolResult = 8000

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// builtinTools lists the tools that are always offered, given the
// configured collaborators.
func (a *Assistant) builtinTools() []llm.ToolDef {
	var defs []llm.ToolDef
	if a.auth != nil {
		app := objectSchema(map[string]any{"app": stringProp("App name, e.g. gmail, googlesheets, notion")}, "app")
		defs = append(defs,
			llm.ToolDef{
				Name:        ToolGenerateAuthLink,
				Description: "Get an authorization link so the user can connect an app. Returns the existing connection instead when the app is already connected.",
				Parameters:  app,
			},
			llm.ToolDef{
				Name:        ToolCheckConnection,
				Description: "Check whether the user has connected an app.",
				Parameters:  app,
			},
		)
	}
	if a.gate != nil {
		defs = append(defs,
			llm.ToolDef{
				Name:        ToolShell,
				Description: "Run a shell command on the user's machine. Risky commands wait for the user's approval.",
				Parameters:  objectSchema(map[string]any{"command": stringProp("Shell command to run")}, "command"),
			},
			llm.ToolDef{
				Name:        ToolReadFile,
				Description: "Read a local text file.",
				Parameters:  objectSchema(map[string]any{"path": stringProp("File path")}, "path"),
			},
			llm.ToolDef{
				Name:        ToolWriteFile,
				Description: "Write content to a local file, creating parent directories.",
				Parameters: objectSchema(map[string]any{
					"path":    stringProp("File path"),
					"content": stringProp("Full file content"),
				}, "path", "content"),
			},
			llm.ToolDef{
				Name:        ToolListDir,
				Description: "List a local directory.",
				Parameters:  objectSchema(map[string]any{"path": stringProp("Directory path, default '.'")}),
			},
			llm.ToolDef{
				Name:        ToolWorkflow,
				Description: "Run several local steps in order. Stops at the first denied or failed step.",
				Parameters: objectSchema(map[string]any{
					"steps": map[string]any{
						"type": "array",
						"items": objectSchema(map[string]any{
							"kind":    map[string]any{"type": "string", "enum": []string{"shell", "read_file", "write_file", "list_dir"}},
							"command": stringProp("Shell command (kind=shell)"),
							"path":    stringProp("Path (file kinds)"),
							"content": stringProp("Content (kind=write_file)"),
						}, "kind"),
					},
				}, "steps"),
			},
		)
	}
	return defs
}

// toolDefs is the full tool list for a turn: built-ins, then the kernel's
// provider operations.
func (a *Assistant) toolDefs(ts capability.ToolSet) []llm.ToolDef {
	defs := a.builtinTools()
	for _, op := range ts {
		defs = append(defs, llm.ToolDef{
			Name:        op.Slug,
			Description: op.Description,
			Parameters:  op.Parameters,
		})
	}
	return defs
}

// dispatch runs one tool call and returns the text fed back to the model.
// It never fails: every error becomes a tagged result line.
func (a *Assistant) dispatch(ctx context.Context, ts *turnState, tc llm.ToolCall) string {
	logger := a.logger.With("identity", ts.identity, "tool", tc.Name)

	args, err := tc.Args()
	if err != nil {
		logger.Warn("invalid tool arguments", "error", err)
		return fmt.Sprintf("[ERROR] arguments for %s are not valid JSON: %v", tc.Name, err)
	}

	var out string
	builtin := true
	switch tc.Name {
	case ToolGenerateAuthLink:
		out = a.toolAuthLink(ctx, ts, argString(args, "app"))
	case ToolCheckConnection:
		out = a.toolCheckConnection(ctx, ts, argString(args, "app"))
	case ToolShell:
		out = a.propose(ctx, ts, &gate.PendingCommand{Kind: gate.KindShell, Command: argString(args, "command")})
	case ToolReadFile:
		out = a.propose(ctx, ts, &gate.PendingCommand{Kind: gate.KindReadFile, Path: argString(args, "path")})
	case ToolWriteFile:
		out = a.propose(ctx, ts, &gate.PendingCommand{
			Kind:    gate.KindWriteFile,
			Path:    argString(args, "path"),
			Content: argString(args, "content"),
		})
	case ToolListDir:
		p := argString(args, "path")
		if p == "" {
			p = "."
		}
		out = a.propose(ctx, ts, &gate.PendingCommand{Kind: gate.KindListDir, Path: p})
	case ToolWorkflow:
		out = a.toolWorkflow(ctx, ts, args)
	default:
		builtin = false
		out = a.executeOperation(ctx, ts, tc.Name, args)
	}

	a.metrics.toolCall(ctx, tc.Name, builtin)
	logger.Debug("tool call finished", "chars", len(out))
	return truncate(out, maxToolResult)
}

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (truncated)"
}

func (a *Assistant) toolAuthLink(ctx context.Context, ts *turnState, app string) string {
	if a.auth == nil {
		return "[ERROR] app connections are not configured"
	}
	g := a.canon(app)
	if g == "" {
		return "[ERROR] app name is required"
	}
	name := a.displayName(g)

	out, err := a.auth.EnsureAuthorized(ctx, ts.identity, g, false)
	ts.kernel.Activate(g)
	if err == nil && out.State == authflow.Active {
		return fmt.Sprintf("[OK] %s is already connected. No authorization needed; go ahead and use it.", name)
	}
	if err != nil || out.Link == nil {
		return fmt.Sprintf("[ERROR] could not generate a link for %s right now. Tell the user to try /connect %s in a moment.", name, g)
	}
	ts.links = append(ts.links, *out.Link)
	return fmt.Sprintf("[LINK] Give the user this link to connect %s: %s\nIt is single-use and expires soon.", name, out.Link.URL)
}

func (a *Assistant) toolCheckConnection(ctx context.Context, ts *turnState, app string) string {
	if a.auth == nil {
		return "[ERROR] app connections are not configured"
	}
	g := a.canon(app)
	if g == "" {
		return "[ERROR] app name is required"
	}
	name := a.displayName(g)
	if a.auth.Status(ctx, ts.identity, g).Status == provider.StatusActive {
		return fmt.Sprintf("[OK] %s is connected and ready to use.", name)
	}
	return fmt.Sprintf("[NOT CONNECTED] %s is not connected. Use %s to get the user an authorization link.", name, ToolGenerateAuthLink)
}

// executeOperation runs a provider operation from the kernel's tool set.
// Authorization failures are answered with a fresh link, never with the
// provider's error text.
func (a *Assistant) executeOperation(ctx context.Context, ts *turnState, name string, args map[string]any) string {
	op, ok := ts.tools.Find(name)
	if !ok || a.executor == nil {
		return fmt.Sprintf("[ERROR] unknown tool %s. Only use the tools you were given.", name)
	}

	res, err := a.executor.Execute(ctx, ts.identity, op.Group, op.Slug, args)
	if err == nil {
		if res == nil || len(res.Data) == 0 {
			return "[OK] done"
		}
		return string(res.Data)
	}

	var authErr *provider.AuthRequiredError
	var execErr *provider.ExecutionError
	switch {
	case errors.As(err, &authErr):
		a.logger.Info("operation needs authorization", "identity", ts.identity, "group", authErr.Group, "operation", op.Slug)
		return a.reauthorize(ctx, ts, authErr.Group)
	case errors.As(err, &execErr):
		return fmt.Sprintf("[ERROR] %s failed: %s", op.Slug, execErr.Message)
	case errors.Is(err, provider.ErrUnavailable):
		a.logger.Warn("operation failed, provider unavailable", "operation", op.Slug, "error", err)
		return fmt.Sprintf("[ERROR] %s could not run because the app service is unreachable right now.", op.Slug)
	default:
		a.logger.Warn("operation failed", "operation", op.Slug, "error", err)
		return fmt.Sprintf("[ERROR] %s could not run.", op.Slug)
	}
}

func (a *Assistant) reauthorize(ctx context.Context, ts *turnState, group string) string {
	g := a.canon(group)
	name := a.displayName(g)
	if a.auth == nil {
		return fmt.Sprintf("[AUTH REQUIRED] %s is not connected for this user.", name)
	}
	out, err := a.auth.EnsureAuthorized(ctx, ts.identity, g, true)
	if err != nil || out.Link == nil {
		return fmt.Sprintf("[AUTH REQUIRED] %s is not connected and no link could be generated right now. Tell the user to send /connect %s later.", name, g)
	}
	ts.kernel.Activate(g)
	ts.links = append(ts.links, *out.Link)
	return fmt.Sprintf("[AUTH REQUIRED] %s is not connected for this user. Give them this link to connect it, then try again: %s", name, out.Link.URL)
}

func (a *Assistant) propose(ctx context.Context, ts *turnState, cmd *gate.PendingCommand) string {
	if a.gate == nil {
		return "[ERROR] local execution is disabled"
	}
	cmd.Identity = ts.identity
	return formatExecution(a.gate.Propose(ctx, cmd))
}

func formatExecution(res gate.ExecutionResult) string {
	var denied *gate.CommandDeniedError
	var failed *gate.CommandExecutionError
	switch {
	case res.OK():
		out := res.Output
		if out == "" {
			out = "(no output)"
		}
		if res.Truncated {
			out += "\n... (output truncated)"
		}
		return "[OK]\n" + out
	case errors.As(res.Err, &denied):
		if denied.TimedOut {
			return "[DENIED] no approval arrived in time; the command was not run."
		}
		return "[DENIED] " + denied.Reason + ". The command was not run; do not retry it."
	case errors.As(res.Err, &failed):
		return fmt.Sprintf("[FAILED] exit code %d: %v\n%s", failed.ExitCode, failed.Err, failed.Output)
	default:
		return fmt.Sprintf("[FAILED] %v", res.Err)
	}
}

func (a *Assistant) toolWorkflow(ctx context.Context, ts *turnState, args map[string]any) string {
	if a.gate == nil {
		return "[ERROR] local execution is disabled"
	}
	raw, err := json.Marshal(args["steps"])
	if err != nil {
		return "[ERROR] steps must be a list"
	}
	var steps []gate.Step
	if err := json.Unmarshal(raw, &steps); err != nil || len(steps) == 0 {
		return "[ERROR] steps must be a non-empty list of {kind, command, path, content}"
	}

	res := a.gate.RunWorkflow(ctx, ts.identity, steps)
	var b strings.Builder
	b.WriteString(res.Summary())
	for i, r := range res.Results {
		fmt.Fprintf(&b, "\n\nstep %d (%s): %s", i+1, r.Kind, formatExecution(r))
	}
	return b.String()
}
