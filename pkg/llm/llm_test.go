package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) llm.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return llm.NewClient(log, &config.LLMConfig{
		Endpoint:  srv.URL,
		APIKey:    "secret",
		Model:     "test-model",
		MaxTokens: 128,
		Timeout:   5 * time.Second,
	})
}

func TestClient_Complete(t *testing.T) {
	var got map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"<lov-chat-request>hi</lov-chat-request>"}]}`))
	})

	text, err := c.Complete(context.Background(), llm.Request{
		System:      "system prompt",
		Prompt:      "scenario",
		Temperature: 0.3,
		History: []llm.Message{
			{Role: llm.RoleAssistant, Content: "previous"},
			{
				Role:    llm.RoleUser,
				Content: "result text",
				Images:  []llm.Image{{MediaType: "image/png", Data: "aGVsbG8="}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "<lov-chat-request>hi</lov-chat-request>", text)

	assert.Equal(t, "test-model", got["model"])
	assert.InDelta(t, 0.3, got["temperature"], 1e-9)

	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)

	roles := make([]string, 0, len(msgs))
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}

	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)

	parts, ok := msgs[3].(map[string]any)["content"].([]any)
	require.True(t, ok, "image messages are sent as content parts")
	require.Len(t, parts, 2)
	assert.Equal(t, "image", parts[0].(map[string]any)["type"])
	assert.Equal(t, "text", parts[1].(map[string]any)["type"])
}

func TestClient_CompleteErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "non 2xx status",
			status:  http.StatusBadGateway,
			body:    "upstream down",
			wantErr: "status 502",
		},
		{
			name:    "empty content",
			status:  http.StatusOK,
			body:    `{"content":[]}`,
			wantErr: "no text content",
		},
		{
			name:    "error object",
			status:  http.StatusOK,
			body:    `{"content":[],"error":{"message":"overloaded"}}`,
			wantErr: "overloaded",
		},
		{
			name:    "malformed json",
			status:  http.StatusOK,
			body:    `{`,
			wantErr: "decoding response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0

			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				calls++

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Complete(context.Background(), llm.Request{Prompt: "x"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, 1, calls, "failed calls are not retried")
		})
	}
}

func TestClient_CompleteHonoursContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"text":"late"}]}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, llm.Request{Prompt: "x"})
	require.Error(t, err)
}
