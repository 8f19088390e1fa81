package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCompleter(t *testing.T, model string, handler http.HandlerFunc) *Completer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewCompleter(Config{APIKey: "key", BaseURL: srv.URL + "/v1", Model: model})
	require.NoError(t, err)
	return c
}

func TestCompleter_Chat(t *testing.T) {
	c := newTestCompleter(t, "gpt-4o-mini", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		msgs := req["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hello?", msgs[1].(map[string]any)["content"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":" Hi there! "}}],
			"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`))
	})

	got, err := c.Complete(context.Background(), "hello?")
	require.NoError(t, err)
	assert.Equal(t, "Hi there!", got.Text)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, "/chat/completions", got.APIPath)
	assert.Equal(t, 12, got.PromptTokens)
	assert.Equal(t, 4, got.CompletionTokens)
	assert.Equal(t, 16, got.TotalTokens)
}

func TestCompleter_Legacy(t *testing.T) {
	c := newTestCompleter(t, "gpt-3.5-turbo-instruct", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-3.5-turbo-instruct","choices":[{"text":"\n\nSure."}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`))
	})

	got, err := c.Complete(context.Background(), "say sure")
	require.NoError(t, err)
	assert.Equal(t, "Sure.", got.Text)
	assert.Equal(t, "/completions", got.APIPath)
	assert.Equal(t, 5, got.TotalTokens)
}

func TestCompleter_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		errIs   error
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"oops"}}`))
		}, nil},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}, ErrEmptyResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCompleter(t, "gpt-4o-mini", tc.handler)
			_, err := c.Complete(context.Background(), "hi")
			require.Error(t, err)
			if tc.errIs != nil {
				assert.ErrorIs(t, err, tc.errIs)
			}
		})
	}
}

func TestNewCompleter_NoKey(t *testing.T) {
	_, err := NewCompleter(Config{})
	assert.Error(t, err)
}

func TestIsLegacyModel(t *testing.T) {
	assert.True(t, isLegacyModel("gpt-3.5-turbo-instruct"))
	assert.True(t, isLegacyModel("text-davinci-003"))
	assert.False(t, isLegacyModel("gpt-4o"))
}
