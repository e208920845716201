package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsfacts-pipeline/internal/pipeline"
	"github.com/JakeFAU/newsfacts-pipeline/internal/retry"
)

func completionServer(t *testing.T, status *atomic.Int32, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if code := status.Load(); code != 0 {
			status.Store(0)
			w.WriteHeader(int(code))
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: " {\"is_valid\": true} ",
				},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{TotalTokens: 321},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientComplete(t *testing.T) {
	t.Parallel()

	var status, calls atomic.Int32
	srv := completionServer(t, &status, &calls)
	client, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "test-model"}, retry.None, zap.NewNop())
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), pipeline.Prompt{
		System: "clean", User: "article", Temperature: 0.1, JSON: true,
	})
	require.NoError(t, err)
	require.Equal(t, `{"is_valid": true}`, out.Content)
	require.Equal(t, 321, out.TotalTokens)
	require.EqualValues(t, 1, calls.Load())
}

func TestClientRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var status, calls atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := completionServer(t, &status, &calls)
	policy := DefaultPolicy
	policy.Backoff = retry.Constant(time.Millisecond)
	client, err := New(Config{APIKey: "k", BaseURL: srv.URL}, policy, zap.NewNop())
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), pipeline.Prompt{User: "hi"})
	require.NoError(t, err)
	require.Equal(t, 321, out.TotalTokens)
	require.EqualValues(t, 2, calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var status, calls atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := completionServer(t, &status, &calls)
	client, err := New(Config{APIKey: "k", BaseURL: srv.URL}, DefaultPolicy, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), pipeline.Prompt{User: "hi"})
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, retry.None, nil)
	require.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, IsTransient(&openai.APIError{HTTPStatusCode: 503}))
	require.True(t, IsTransient(&openai.RequestError{HTTPStatusCode: 429}))
	require.False(t, IsTransient(&openai.APIError{HTTPStatusCode: 401}))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.False(t, IsTransient(errors.New("boom")))
	require.False(t, IsTransient(nil))
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var out struct {
		Claims []string `json:"claims"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"claims\": [\"a\"]}\n```", &out))
	require.Equal(t, []string{"a"}, out.Claims)

	require.NoError(t, DecodeJSON(`Here you go: {"claims": ["b"]} thanks`, &out))
	require.Equal(t, []string{"b"}, out.Claims)

	require.Error(t, DecodeJSON("no json here", &out))
}
