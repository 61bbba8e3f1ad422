// Package utils provides shared helpers for the vesper runtime.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter provides model-aware token counting, used to budget the
// fragment and history context fed to reviewer and synthesis prompts.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model.
// Unknown models fall back to the cl100k_base encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	return len(tc.encoding.Encode(text, nil, nil))
}

// FitWithinLimit returns the suffix of texts (most recent last) that fits
// within maxTokens, preserving order.
func (tc *TokenCounter) FitWithinLimit(texts []string, maxTokens int) []string {
	if len(texts) == 0 {
		return texts
	}

	fitted := []string{}
	currentTokens := 0
	for i := len(texts) - 1; i >= 0; i-- {
		n := tc.Count(texts[i])
		if currentTokens+n > maxTokens {
			break
		}
		fitted = append([]string{texts[i]}, fitted...)
		currentTokens += n
	}
	return fitted
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens provides a rough estimation when no counter is available.
func EstimateTokens(text string) int {
	return len(text) / 4
}
