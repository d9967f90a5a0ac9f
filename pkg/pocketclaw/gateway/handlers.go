package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/authflow"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

const version = "1.0.0"

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	g.writeJSON(w, code, resp)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"sessions": g.assistant.Registry().Count(),
	})
}

type turnRequest struct {
	ID       string `json:"id,omitempty"`
	Identity string `json:"identity"`
	Text     string `json:"text"`
}

type linkJSON struct {
	Group     string    `json:"group"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

type turnResponse struct {
	TurnID    string     `json:"turn_id"`
	Reply     string     `json:"reply"`
	Command   bool       `json:"command,omitempty"`
	Duplicate bool       `json:"duplicate,omitempty"`
	Proactive bool       `json:"proactive,omitempty"`
	ToolCalls int        `json:"tool_calls"`
	Links     []linkJSON `json:"links,omitempty"`
}

func toLinks(links []provider.Link) []linkJSON {
	out := make([]linkJSON, 0, len(links))
	for _, l := range links {
		out = append(out, linkJSON{Group: l.Group, URL: l.URL, ExpiresAt: l.ExpiresAt})
	}
	return out
}

// POST /v1/turns
func (g *Gateway) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !g.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Identity) == "" {
		g.writeError(w, "identity is required", http.StatusBadRequest)
		return
	}

	reply, err := g.assistant.HandleTurn(r.Context(), copilot.Turn{ID: req.ID, Identity: req.Identity, Text: req.Text})
	if err != nil {
		g.logger.Warn("turn failed", "identity", req.Identity, "error", err)
		g.writeError(w, copilot.UserMessage(err), turnErrorStatus(err))
		return
	}
	g.writeJSON(w, http.StatusOK, turnResponse{
		TurnID:    reply.TurnID,
		Reply:     reply.Text,
		Command:   reply.Command,
		Duplicate: reply.Duplicate,
		Proactive: reply.Proactive,
		ToolCalls: reply.ToolCalls,
		Links:     toLinks(reply.Links),
	})
}

func turnErrorStatus(err error) int {
	switch {
	case errors.Is(err, copilot.ErrEmptyIdentity):
		return http.StatusBadRequest
	case errors.Is(err, copilot.ErrReasoningUnavailable), errors.Is(err, copilot.ErrProviderUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GET /v1/sessions
func (g *Gateway) handleSessions(w http.ResponseWriter, _ *http.Request) {
	reg := g.assistant.Registry()
	ids := reg.Identities()
	sessions := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		k := reg.Get(id)
		if k == nil {
			continue
		}
		tools, _ := k.Tools()
		sessions = append(sessions, map[string]any{
			"identity":       id,
			"groups":         k.Groups(),
			"operations":     len(tools),
			"history_len":    len(k.History()),
			"last_active_at": k.LastActiveAt(),
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"count": len(sessions), "sessions": sessions})
}

// GET /v1/identities/{identity}/groups/{group}
func (g *Gateway) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	identity, group := chi.URLParam(r, "identity"), chi.URLParam(r, "group")
	grant, err := g.assistant.GroupStatus(r.Context(), identity, group)
	switch {
	case errors.Is(err, copilot.ErrEmptyIdentity):
		g.writeError(w, "identity is required", http.StatusBadRequest)
		return
	case errors.Is(err, copilot.ErrNoAuthorizer):
		g.writeError(w, err.Error(), http.StatusNotImplemented)
		return
	case err != nil:
		g.writeError(w, copilot.UserMessage(err), http.StatusBadGateway)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"identity":   identity,
		"group":      grant.Group,
		"status":     grant.Status,
		"authorized": grant.Status == provider.StatusActive,
		"account_id": grant.AccountID,
	})
}

// POST /v1/identities/{identity}/groups/{group}/link[?force=true]
func (g *Gateway) handleLink(w http.ResponseWriter, r *http.Request) {
	identity, group := chi.URLParam(r, "identity"), chi.URLParam(r, "group")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	out, err := g.assistant.RequestLink(r.Context(), identity, group, force)
	switch {
	case errors.Is(err, copilot.ErrEmptyIdentity):
		g.writeError(w, "identity is required", http.StatusBadRequest)
		return
	case errors.Is(err, copilot.ErrNoAuthorizer):
		g.writeError(w, err.Error(), http.StatusNotImplemented)
		return
	case err != nil:
		g.logger.Warn("link request failed", "identity", identity, "group", group, "error", err)
		g.writeError(w, "could not create an authorization link right now", http.StatusBadGateway)
		return
	}

	resp := map[string]any{
		"identity":   identity,
		"group":      out.Group,
		"state":      out.State.String(),
		"authorized": out.Authorized(),
	}
	if out.State == authflow.LinkIssued && out.Link != nil {
		resp["link"] = linkJSON{Group: out.Link.Group, URL: out.Link.URL, ExpiresAt: out.Link.ExpiresAt}
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// GET /v1/identities/{identity}/approvals
func (g *Gateway) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	approvals := g.assistant.Approvals()
	if approvals == nil {
		g.writeJSON(w, http.StatusOK, map[string]any{"pending": []any{}})
		return
	}
	pending := approvals.PendingFor(chi.URLParam(r, "identity"))
	out := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		out = append(out, map[string]any{
			"id":         p.ID,
			"summary":    p.Summary,
			"reason":     p.Reason,
			"created_at": p.CreatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

type approvalRequest struct {
	Identity string `json:"identity"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// POST /v1/approvals/{id}
func (g *Gateway) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvals := g.assistant.Approvals()
	if approvals == nil {
		g.writeError(w, "approvals are not enabled", http.StatusNotImplemented)
		return
	}
	var req approvalRequest
	if !g.decode(w, r, &req) {
		return
	}
	if !approvals.Resolve(chi.URLParam(r, "id"), req.Identity, req.Approved, req.Reason) {
		g.writeError(w, "approval not found or already resolved", http.StatusNotFound)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"resolved": true})
}

type bridgeMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Text string `json:"text"`
}

// POST /v1/bridge/incoming. Failures still answer 200 with a user-safe reply
// so the bridge always has something to deliver.
func (g *Gateway) handleBridgeIncoming(w http.ResponseWriter, r *http.Request) {
	var msg bridgeMessage
	if !g.decode(w, r, &msg) {
		return
	}
	if strings.TrimSpace(msg.From) == "" {
		g.writeError(w, "from is required", http.StatusBadRequest)
		return
	}

	reply, err := g.assistant.HandleTurn(r.Context(), copilot.Turn{ID: msg.ID, Identity: msg.From, Text: msg.Text})
	if err != nil {
		g.logger.Warn("bridge turn failed", "from", msg.From, "error", err)
		g.writeJSON(w, http.StatusOK, map[string]string{"reply": copilot.UserMessage(err)})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"reply": reply.Text})
}
