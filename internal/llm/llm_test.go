package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/synthgen/internal/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(&config.LLMConfig{BASE_URL: srv.URL + "/", API_KEY: "secret", TIMEOUT: 5})
	c.retryBase = time.Millisecond
	return c
}

func reply(w http.ResponseWriter, content string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []any{map[string]any{"message": map[string]string{"role": "assistant", "content": content}}},
	})
}

func TestComplete_SendsRequest(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(w, `{"files":[]}`)
	})

	out, err := c.Complete(context.Background(), "gpt-test", []Message{{Role: RoleUser, Content: "hi"}}, true)
	require.NoError(t, err)
	require.Equal(t, `{"files":[]}`, out)
	require.Equal(t, "gpt-test", got.Model)
	require.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, got.Messages)
	require.Equal(t, map[string]any{"type": "json_object"}, got.ResponseFormat)
}

func TestComplete_Retries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantErr   bool
	}{
		{"rate limited then ok", http.StatusTooManyRequests, 2, false},
		{"server error then ok", http.StatusBadGateway, 2, false},
		{"bad request is permanent", http.StatusBadRequest, 1, true},
		{"unauthorized is permanent", http.StatusUnauthorized, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
					return
				}
				reply(w, "ok")
			})

			out, err := c.Complete(context.Background(), "m", nil, false)
			require.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				require.Equal(t, tt.status, se.StatusCode)
				require.Equal(t, "nope", se.Message)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "ok", out)
		})
	}
}

func TestComplete_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Complete(context.Background(), "m", nil, false)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, int32(4), calls.Load())
}

func TestComplete_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	_, err := c.Complete(context.Background(), "m", nil, false)
	require.ErrorIs(t, err, ErrEmptyCompletion)
}
