package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(5), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestDoReturnsRetryableErrorWhenExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(1), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	require.Error(t, err)

	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusTooManyRequests, rerr.StatusCode)
	assert.True(t, rerr.IsRetryable())
	assert.Contains(t, rerr.Error(), "max HTTP retries")
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestParseAnthropicHeaders(t *testing.T) {
	reset := time.Now().Add(time.Minute).UTC().Truncate(time.Second)

	h := http.Header{}
	h.Set("Retry-After", "7")
	h.Set("anthropic-ratelimit-requests-remaining", "42")
	h.Set("anthropic-ratelimit-input-tokens-remaining", "1000")
	h.Set("anthropic-ratelimit-output-tokens-remaining", "500")
	h.Set("anthropic-ratelimit-input-tokens-reset", reset.Format(time.RFC3339))

	info := ParseAnthropicHeaders(h)
	assert.Equal(t, 7*time.Second, info.RetryAfter)
	assert.Equal(t, 42, info.RequestsRemaining)
	assert.Equal(t, 1000, info.InputTokensRemaining)
	assert.Equal(t, 500, info.OutputTokensRemaining)
	assert.Equal(t, reset.Unix(), info.ResetTime)
}

func TestParseOpenAIHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "3")
	h.Set("x-ratelimit-remaining-requests", "9")
	h.Set("x-ratelimit-remaining-tokens", "8000")
	h.Set("x-ratelimit-reset-tokens", "1700000000")

	info := ParseOpenAIHeaders(h)
	assert.Equal(t, 3*time.Second, info.RetryAfter)
	assert.Equal(t, 9, info.RequestsRemaining)
	assert.Equal(t, 8000, info.TokensRemaining)
	assert.Equal(t, int64(1700000000), info.ResetTime)
}

func TestParseHeadersMalformedValuesIgnored(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "soon")
	h.Set("x-ratelimit-remaining-requests", "lots")
	h.Set("x-ratelimit-reset-tokens", "later")

	info := ParseOpenAIHeaders(h)
	assert.Zero(t, info.RetryAfter)
	assert.Zero(t, info.RequestsRemaining)
	assert.Zero(t, info.ResetTime)
}
