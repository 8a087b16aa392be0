package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	qp "github.com/ineyio/quotapool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() qp.ProviderRequest {
	return qp.ProviderRequest{
		Auth:  qp.Auth{APIKey: "test-key"},
		Model: "llama-3.3-70b",
		Messages: []qp.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		MaxTokens: qp.IntPtr(64),
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama-3.3-70b", body.Model)
		assert.Len(t, body.Messages, 2)
		assert.False(t, body.Stream)
		assert.Nil(t, body.StreamOptions)

		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"model": "llama-3.3-70b-versatile",
			"choices": [{"message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 1, "total_tokens": 10}
		}`)
	}))
	defer srv.Close()

	resp, err := New("groq", srv.URL+"/").Generate(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, "llama-3.3-70b-versatile", resp.Model)
	assert.Equal(t, qp.Usage{PromptTokens: 9, CompletionTokens: 1, TotalTokens: 10}, resp.Usage)
}

func TestGenerate_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id": "x", "choices": []}`)
	}))
	defer srv.Close()

	_, err := New("local", srv.URL).Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty choices")
}

func TestHTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, qp.ErrRateLimited},
		{http.StatusUnauthorized, qp.ErrAuthFailed},
		{http.StatusBadRequest, qp.ErrInvalidRequest},
		{http.StatusUnprocessableEntity, qp.ErrInvalidRequest},
		{http.StatusBadGateway, qp.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := New("local", srv.URL).Generate(context.Background(), testRequest())
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)
		assert.True(t, body.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, strings.Join([]string{
			`data: {"id": "c1", "choices": [{"delta": {"content": "Hel"}}]}`,
			``,
			`data: not json`,
			``,
			`data: {"id": "c1", "choices": [{"delta": {"content": "lo"}, "finish_reason": "stop"}]}`,
			``,
			`data: {"id": "c1", "choices": [], "usage": {"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n"))
	}))
	defer srv.Close()

	stream, err := New("groq", srv.URL, WithHTTPClient(srv.Client())).GenerateStream(context.Background(), testRequest())
	require.NoError(t, err)
	defer stream.Close()

	var (
		content string
		finish  string
		usage   *qp.Usage
	)
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "llama-3.3-70b", chunk.Model)
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "Hello", content)
	assert.Equal(t, "stop", finish)
	require.NotNil(t, usage)
	assert.Equal(t, int64(2), usage.CompletionTokens)
}

func TestName(t *testing.T) {
	assert.Equal(t, "groq", NewGroq().Name())
	assert.Equal(t, "cerebras", NewCerebras().Name())
	assert.Equal(t, "local", New("local", "http://localhost:11434/v1").Name())
}
