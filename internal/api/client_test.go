package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

const okBody = `{
	"id": "test-123",
	"model": "tuned",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Paris \n"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 1, "total_tokens": 11}
}`

func TestGenerate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tuned", req.Model)
		assert.Equal(t, 128, req.MaxTokens)
		assert.Equal(t, []Message{{Role: "user", Content: "Capital of France?"}}, req.Messages)

		_, _ = w.Write([]byte(okBody))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL + "/v1/", APIKey: "test-key"}, testLogger())
	model := Model{Client: client, Name: "tuned", Params: GenerateParams{MaxTokens: 128}}

	out, err := model.Generate(context.Background(), "Capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris", out)
	assert.Equal(t, server.URL+"/v1", client.BaseURL())
}

func TestChatCompletion_RetryOn500(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: 3, BaseRetryDelay: time.Millisecond}, testLogger())

	resp, err := client.ChatCompletion(context.Background(), "tuned", []Message{{Role: "user", Content: "hi"}}, GenerateParams{})
	require.NoError(t, err)
	assert.Equal(t, "test-123", resp.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestChatCompletion_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model", "type": "invalid_request_error", "code": "model_not_found"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: 3, BaseRetryDelay: time.Millisecond}, testLogger())

	_, err := client.Generate(context.Background(), "nope", "hi", GenerateParams{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "model_not_found", apiErr.Code)
	assert.False(t, apiErr.Retryable)
	assert.EqualValues(t, 1, calls.Load())
}

func TestChatCompletion_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "x", "choices": []}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, MaxRetries: -1}, testLogger())
	_, err := client.Generate(context.Background(), "m", "hi", GenerateParams{})
	assert.ErrorContains(t, err, "no choices")
}

func TestPing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok/models" {
			_, _ = w.Write([]byte(`{"data": []}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	require.NoError(t, NewClient(Config{BaseURL: server.URL + "/ok"}, testLogger()).Ping(context.Background()))

	err := NewClient(Config{BaseURL: server.URL + "/missing"}, testLogger()).Ping(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestRateLimiterPool_ReusesLimiter(t *testing.T) {
	pool := NewRateLimiterPool()
	a := pool.GetOrCreate("srv:m", 60)
	b := pool.GetOrCreate("srv:m", 120)
	assert.Same(t, a, b)
	assert.Equal(t, 12, a.Burst())

	assert.NoError(t, pool.Wait(context.Background(), "srv:other", -1))
}
