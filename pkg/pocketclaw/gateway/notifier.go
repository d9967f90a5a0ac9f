package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
)

// WebhookNotifier delivers outbound messages to the chat bridge by POSTing
// {"identity", "text"} to its webhook.
type WebhookNotifier struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

var _ copilot.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier creates a notifier for cfg.OutboundURL.
func NewWebhookNotifier(cfg copilot.BridgeConfig, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookNotifier{
		url:    cfg.OutboundURL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "bridge"),
	}
}

type outbound struct {
	Identity string `json:"identity"`
	Text     string `json:"text"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, identity, text string) error {
	body, err := json.Marshal(outbound{Identity: identity, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to bridge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	n.logger.Debug("message delivered", "identity", identity, "chars", len(text))
	return nil
}
