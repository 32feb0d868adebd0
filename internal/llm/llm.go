// Package llm defines the reasoning provider contract. Providers are always
// best-effort: callers degrade to documented defaults on failure or
// malformed output.
package llm

import (
	"context"
	"time"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string // user | assistant
	Content string
}

// Options bounds a single model call.
type Options struct {
	MaxTokens int
	System    string
	Timeout   time.Duration
}

// Provider is the interface for any reasoning model backend.
type Provider interface {
	CallModel(ctx context.Context, messages []Message, opts Options) (string, error)
}

// ProviderFunc adapts a plain function to Provider. Used by tests.
type ProviderFunc func(ctx context.Context, messages []Message, opts Options) (string, error)

// CallModel implements Provider.
func (f ProviderFunc) CallModel(ctx context.Context, messages []Message, opts Options) (string, error) {
	return f(ctx, messages, opts)
}
