package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Mem0Config configures the Mem0-compatible HTTP backend.
type Mem0Config struct {
	BaseURL      string
	APIKey       string
	APIKeyEnvVar string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Mem0Client is a Service backed by a Mem0-compatible REST API.
type Mem0Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewMem0Client creates a Mem0 client.
func NewMem0Client(cfg Mem0Config) (*Mem0Client, error) {
	apiKey := cfg.APIKey
	envVar := cfg.APIKeyEnvVar
	if envVar == "" {
		envVar = "MEM0_API_KEY"
	}
	if apiKey == "" {
		apiKey = os.Getenv(envVar)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("mem0 API key is required (set %s or configure api_key)", envVar)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mem0.ai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mem0Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "mem0"),
	}, nil
}

type mem0Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mem0AddRequest struct {
	Messages []mem0Message `json:"messages"`
	UserID   string        `json:"user_id"`
}

type mem0SearchRequest struct {
	Query   string            `json:"query"`
	Filters map[string]string `json:"filters"`
	TopK    int               `json:"top_k"`
}

type mem0Memory struct {
	ID        string  `json:"id"`
	Memory    string  `json:"memory"`
	Score     float64 `json:"score"`
	CreatedAt string  `json:"created_at"`
}

// Store adds the exchange to the identity's memories.
func (c *Mem0Client) Store(ctx context.Context, identity string, ex Exchange) error {
	req := mem0AddRequest{
		Messages: []mem0Message{
			{Role: "user", Content: ex.UserText},
			{Role: "assistant", Content: ex.Response},
		},
		UserID: identity,
	}
	if err := c.post(ctx, "/v1/memories/", req, nil); err != nil {
		return fmt.Errorf("mem0 add: %w", err)
	}
	return nil
}

// Query searches the identity's memories.
func (c *Mem0Client) Query(ctx context.Context, identity, text string, limit int) ([]Record, error) {
	req := mem0SearchRequest{
		Query:   text,
		Filters: map[string]string{"user_id": identity},
		TopK:    limit,
	}
	var raw json.RawMessage
	if err := c.post(ctx, "/v2/memories/search/", req, &raw); err != nil {
		return nil, fmt.Errorf("mem0 search: %w", err)
	}

	// The API returns either a bare list or {"results": [...]}.
	var list []mem0Memory
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Results []mem0Memory `json:"results"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("mem0 search: decoding response: %w", err)
		}
		list = wrapped.Results
	}

	out := make([]Record, 0, len(list))
	for _, m := range list {
		if strings.TrimSpace(m.Memory) == "" {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, m.CreatedAt)
		out = append(out, Record{
			ID:        m.ID,
			Identity:  identity,
			Text:      m.Memory,
			Score:     m.Score,
			CreatedAt: created,
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Mem0Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
