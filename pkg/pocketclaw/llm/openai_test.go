package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const toolCallCompletion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "test-model",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "GMAIL_FETCH_EMAILS", "arguments": "{\"max_results\":3}"}
      }]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewOpenAIClient(Config{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model", MaxTokens: 256})
	require.NoError(t, err)
	return c
}

func TestGenerateToolCalls(t *testing.T) {
	t.Parallel()

	var body map[string]any
	var auth, path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, toolCallCompletion)
	})

	resp, err := c.Generate(context.Background(), Request{
		Instructions: "be helpful",
		Tools: []ToolDef{{
			Name:        "GMAIL_FETCH_EMAILS",
			Description: "Fetch emails",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"max_results": map[string]any{"type": "integer"}}},
		}},
		History: []Message{{Role: RoleUser, Content: "any mail?"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", auth)
	assert.Equal(t, "/chat/completions", path)
	assert.Equal(t, "test-model", body["model"])
	assert.EqualValues(t, 256, body["max_completion_tokens"])

	msgs, _ := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

	tools, _ := body["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "GMAIL_FETCH_EMAILS", fn["name"])

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	args, err := resp.ToolCalls[0].Args()
	require.NoError(t, err)
	assert.EqualValues(t, 3, args["max_results"])
}

func TestGenerateServerError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	})

	_, err := c.Generate(context.Background(), Request{History: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")
}

func TestGenerateNoChoices(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	})

	_, err := c.Generate(context.Background(), Request{History: []Message{{Role: RoleUser, Content: "hi"}}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestBuildMessagesDropsUnansweredToolCalls(t *testing.T) {
	t.Parallel()

	msgs := buildMessages(Request{History: []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "x"}, {ID: "b", Name: "y"}}},
		{Role: RoleTool, ToolCallID: "a", Content: "ok"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c", Name: "z"}}},
	}})

	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[1].OfAssistant)
	require.Len(t, msgs[1].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "a", msgs[1].OfAssistant.ToolCalls[0].ID)
}

func TestToolCallArgsEmpty(t *testing.T) {
	t.Parallel()

	args, err := ToolCall{}.Args()
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = ToolCall{Arguments: "{"}.Args()
	assert.Error(t, err)
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIClient(Config{})
	assert.Error(t, err)
}
