// Package provider is the HTTP client for the external authorization and
// capability provider. It speaks a Composio-style v3 REST API: tool listing,
// connected-account lookup, link minting and tool execution.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/capability"
	"golang.org/x/time/rate"
)

// Config configures the provider client.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyEnvVar string

	// Timeout bounds each HTTP request. Default 30s.
	Timeout time.Duration

	// RequestsPerSecond and Burst throttle outgoing calls. Default 10/20.
	RequestsPerSecond float64
	Burst             int

	// ListLimit caps tools returned per default bundle. Default 50.
	ListLimit int

	// AuthConfigs maps provider slugs to auth config IDs used when minting links.
	AuthConfigs map[string]string

	// SlugFor maps any group spelling to the provider slug. Default identity.
	SlugFor func(string) string

	Logger *slog.Logger
}

// Client talks to the provider. It is safe for concurrent use and keeps no
// per-identity state.
type Client struct {
	baseURL     string
	apiKey      string
	client      *http.Client
	limiter     *rate.Limiter
	listLimit   int
	authConfigs map[string]string
	slugFor     func(string) string
	logger      *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := cfg.APIKey
	envVar := cfg.APIKeyEnvVar
	if envVar == "" {
		envVar = "COMPOSIO_API_KEY"
	}
	if apiKey == "" {
		apiKey = os.Getenv(envVar)
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider API key is required (set %s or configure api_key)", envVar)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 50
	}
	slugFor := cfg.SlugFor
	if slugFor == nil {
		slugFor = func(s string) string { return s }
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		listLimit:   cfg.ListLimit,
		authConfigs: cfg.AuthConfigs,
		slugFor:     slugFor,
		logger:      logger.With("component", "provider"),
	}, nil
}

type toolItem struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Toolkit     struct {
		Slug string `json:"slug"`
	} `json:"toolkit"`
	InputParameters json.RawMessage `json:"input_parameters"`
}

type toolList struct {
	Items []toolItem `json:"items"`
}

func (t toolItem) descriptor() capability.Descriptor {
	return capability.Descriptor{
		Slug:            t.Slug,
		Name:            t.Name,
		Description:     t.Description,
		Toolkit:         t.Toolkit.Slug,
		InputParameters: t.InputParameters,
	}
}

// DefaultOperations lists the provider's default bundle for a group.
func (c *Client) DefaultOperations(ctx context.Context, group string) ([]capability.Descriptor, error) {
	q := url.Values{}
	q.Set("toolkit_slug", c.slugFor(group))
	q.Set("limit", strconv.Itoa(c.listLimit))

	var out toolList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v3/tools", q, nil, &out); err != nil {
		return nil, fmt.Errorf("listing tools for %s: %w", group, err)
	}
	return descriptors(out.Items), nil
}

// Operations fetches explicitly named operations. Unknown names are omitted
// by the provider rather than failing the call.
func (c *Client) Operations(ctx context.Context, slugs []string) ([]capability.Descriptor, error) {
	if len(slugs) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("tool_slugs", strings.Join(slugs, ","))
	q.Set("limit", strconv.Itoa(len(slugs)))

	var out toolList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v3/tools", q, nil, &out); err != nil {
		return nil, fmt.Errorf("fetching %d explicit tools: %w", len(slugs), err)
	}
	return descriptors(out.Items), nil
}

func descriptors(items []toolItem) []capability.Descriptor {
	out := make([]capability.Descriptor, len(items))
	for i, it := range items {
		out[i] = it.descriptor()
	}
	return out
}

// ExecResult is the outcome of a successful operation call.
type ExecResult struct {
	Data json.RawMessage `json:"data"`
}

type execRequest struct {
	UserID    string         `json:"user_id"`
	Arguments map[string]any `json:"arguments"`
}

type execResponse struct {
	Data       json.RawMessage `json:"data"`
	Successful bool            `json:"successful"`
	Error      string          `json:"error"`
}

// Execute runs an operation on behalf of identity. group is used to label
// authorization failures when the provider message does not name a toolkit.
func (c *Client) Execute(ctx context.Context, identity, group, slug string, args map[string]any) (*ExecResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out execResponse
	path := "/api/v3/tools/execute/" + url.PathEscape(slug)
	err := c.doJSON(ctx, http.MethodPost, path, nil, execRequest{UserID: identity, Arguments: args}, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if authErr, ok := DetectAuthRequired(apiErr.Message, group); ok {
				return nil, authErr
			}
		}
		return nil, fmt.Errorf("executing %s: %w", slug, err)
	}
	if !out.Successful {
		if authErr, ok := DetectAuthRequired(out.Error, group); ok {
			return nil, authErr
		}
		return nil, &ExecutionError{Slug: slug, Message: out.Error}
	}
	return &ExecResult{Data: out.Data}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("provider request", "method", method, "path", path,
		"status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 300 {
		return c.readError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return nil
}

// readError extracts a message from an error response. The provider uses
// either {"error": "..."} or {"error": {"message": "..."}}.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
			Slug    string `json:"slug"`
		} `json:"error"`
	}

	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &flat) == nil && (flat.Error != "" || flat.Message != "") {
		msg = strings.TrimSpace(flat.Error + " " + flat.Message)
	} else if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		msg = strings.TrimSpace(nested.Error.Slug + " " + nested.Error.Message)
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
