package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// headerInt reads a decimal header value, zero when absent or malformed.
func headerInt(headers http.Header, key string) int {
	n, err := strconv.Atoi(headers.Get(key))
	if err != nil {
		return 0
	}
	return n
}

func retryAfter(headers http.Header) time.Duration {
	seconds, err := strconv.Atoi(headers.Get("Retry-After"))
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// ParseAnthropicHeaders reads Anthropic rate-limit hints. Reset headers
// are RFC3339 timestamps; the first parseable one wins.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:            retryAfter(headers),
		RequestsRemaining:     headerInt(headers, "anthropic-ratelimit-requests-remaining"),
		InputTokensRemaining:  headerInt(headers, "anthropic-ratelimit-input-tokens-remaining"),
		OutputTokensRemaining: headerInt(headers, "anthropic-ratelimit-output-tokens-remaining"),
	}
	for _, key := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if reset, err := time.Parse(time.RFC3339, headers.Get(key)); err == nil {
			info.ResetTime = reset.Unix()
			break
		}
	}
	return info
}

// ParseOpenAIHeaders reads OpenAI rate-limit hints. Reset headers carry
// unix seconds.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:        retryAfter(headers),
		RequestsRemaining: headerInt(headers, "x-ratelimit-remaining-requests"),
		TokensRemaining:   headerInt(headers, "x-ratelimit-remaining-tokens"),
	}
	for _, key := range []string{
		"x-ratelimit-reset-tokens",
		"x-ratelimit-reset-requests",
	} {
		if reset, err := strconv.ParseInt(headers.Get(key), 10, 64); err == nil {
			info.ResetTime = reset
			break
		}
	}
	return info
}
