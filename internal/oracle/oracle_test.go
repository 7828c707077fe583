package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatServer(t *testing.T, reply string, status int, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{},
		}
		if reply != "" {
			resp["choices"] = []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) domain.OracleConfig {
	return domain.OracleConfig{
		Provider: "openai",
		APIKey:   "test-key",
		BaseURL:  baseURL + "/v1",
		Model:    "gpt-4o-mini",
	}
}

func TestOpenAIComplete(t *testing.T) {
	t.Run("ReturnsTrimmedContent", func(t *testing.T) {
		var seen chatRequest
		srv := chatServer(t, "  72\n", http.StatusOK, &seen)

		o := NewOpenAI(testConfig(srv.URL))
		got, err := o.Complete(context.Background(), "be brief", "score this")
		require.NoError(t, err)
		assert.Equal(t, "72", got)

		assert.Equal(t, "gpt-4o-mini", seen.Model)
		require.Len(t, seen.Messages, 2)
		assert.Equal(t, "system", seen.Messages[0].Role)
		assert.Equal(t, "be brief", seen.Messages[0].Content)
		assert.Equal(t, "user", seen.Messages[1].Role)
		assert.Equal(t, "score this", seen.Messages[1].Content)
	})

	t.Run("OmitsEmptySystemMessage", func(t *testing.T) {
		var seen chatRequest
		srv := chatServer(t, "ok", http.StatusOK, &seen)

		_, err := NewOpenAI(testConfig(srv.URL)).Complete(context.Background(), "", "hi")
		require.NoError(t, err)
		require.Len(t, seen.Messages, 1)
		assert.Equal(t, "user", seen.Messages[0].Role)
	})

	t.Run("NoChoices", func(t *testing.T) {
		srv := chatServer(t, "", http.StatusOK, nil)

		_, err := NewOpenAI(testConfig(srv.URL)).Complete(context.Background(), "", "hi")
		assert.ErrorIs(t, err, ErrEmptyReply)
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := chatServer(t, "", http.StatusInternalServerError, nil)

		_, err := NewOpenAI(testConfig(srv.URL)).Complete(context.Background(), "", "hi")
		assert.Error(t, err)
	})

	t.Run("ContextDeadline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := NewOpenAI(testConfig(srv.URL)).Complete(ctx, "", "hi")
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("RateLimiterHonoursContext", func(t *testing.T) {
		srv := chatServer(t, "ok", http.StatusOK, nil)
		cfg := testConfig(srv.URL)
		cfg.RequestsPerSecond = 0.001
		cfg.Burst = 1
		o := NewOpenAI(cfg)

		_, err := o.Complete(context.Background(), "", "first")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = o.Complete(ctx, "", "second")
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	t.Run("NoAPIKey", func(t *testing.T) {
		o, err := New(domain.OracleConfig{Provider: "openai"})
		require.NoError(t, err)
		_, err = o.Complete(context.Background(), "", "hi")
		assert.True(t, errors.Is(err, ErrUnavailable))
	})

	t.Run("None", func(t *testing.T) {
		o, err := New(domain.OracleConfig{Provider: "none", APIKey: "k"})
		require.NoError(t, err)
		assert.IsType(t, Unavailable{}, o)
	})

	t.Run("OpenAI", func(t *testing.T) {
		o, err := New(domain.OracleConfig{Provider: "openai", APIKey: "k"})
		require.NoError(t, err)
		assert.IsType(t, &OpenAI{}, o)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := New(domain.OracleConfig{Provider: "oracle-of-delphi"})
		assert.Error(t, err)
	})
}

func TestFunc(t *testing.T) {
	f := Func(func(ctx context.Context, system, prompt string) (string, error) {
		return system + "|" + prompt, nil
	})
	got, err := f.Complete(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "a|b", got)
}

func TestUnfence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, Unfence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, Unfence("```{\"a\":1}```"))
	assert.Equal(t, "42", Unfence("  42 "))
}
