// Package providers implements agents.ChatCompletion backends over the
// OpenAI and Anthropic SDKs. Any provider entry with a base URL and a name
// other than "anthropic" is treated as OpenAI-compatible, which covers
// OpenRouter, Ollama and similar gateways.
package providers

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/agora/internal/agents"
)

// Options configures one provider backend.
type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string

	// MaxRetries bounds retry attempts for transient failures. Zero means
	// the per-provider default of 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Zero means 1 second.
	RetryDelay time.Duration
}

func (o Options) withDefaults(model string) Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.DefaultModel == "" {
		o.DefaultModel = model
	}
	return o
}

// Set maps provider names to completion backends.
type Set struct {
	defaultName string
	backends    map[string]agents.ChatCompletion
}

// NewSet builds a provider set from named options. Known names are "openai"
// and "anthropic"; any other name requires a base URL and is served by the
// OpenAI-compatible client.
func NewSet(defaultName string, configs map[string]Options) (*Set, error) {
	set := &Set{
		defaultName: strings.ToLower(defaultName),
		backends:    make(map[string]agents.ChatCompletion, len(configs)),
	}
	for name, opts := range configs {
		key := strings.ToLower(strings.TrimSpace(name))
		switch key {
		case "anthropic":
			backend, err := NewAnthropic(opts)
			if err != nil {
				return nil, err
			}
			set.backends[key] = backend
		case "openai":
			backend, err := NewOpenAI(opts)
			if err != nil {
				return nil, err
			}
			set.backends[key] = backend
		default:
			if opts.BaseURL == "" {
				return nil, fmt.Errorf("provider %q: base_url is required for OpenAI-compatible providers", name)
			}
			backend, err := NewOpenAI(opts)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", name, err)
			}
			set.backends[key] = backend
		}
	}
	return set, nil
}

// Register adds or replaces a backend under the given name.
func (s *Set) Register(name string, backend agents.ChatCompletion) {
	s.backends[strings.ToLower(name)] = backend
}

// Completion resolves a provider name to its backend. An empty name resolves
// to the set's default provider.
func (s *Set) Completion(provider string) (agents.ChatCompletion, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		name = s.defaultName
	}
	backend, ok := s.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
	return backend, nil
}

// isRetryable classifies transient provider failures: rate limits, server
// errors, timeouts and connection faults.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
