// Package claude implements the llm.Provider contract over the Anthropic
// API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/inquest/internal/fault"
	"github.com/linnemanlabs/inquest/internal/llm"
)

const defaultTimeout = 120 * time.Second

// Client implements llm.Provider for the Claude API.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude client with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// CallModel sends the conversation and returns the concatenated text
// content of the response.
func (c *Client) CallModel(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyErr(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fault.New(fault.KindUnknown, "claude.CallModel", "response contained no text content")
	}
	return sb.String(), nil
}

func classifyErr(err error) error {
	const op = "claude.CallModel"
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return fault.Wrap(fault.KindAuthorization, op, err)
		case 404:
			return fault.Wrap(fault.KindNotFound, op, err)
		case 429:
			return fault.Wrap(fault.KindRateLimit, op, err)
		case 500, 502, 503, 529:
			return fault.Wrap(fault.KindNetwork, op, err)
		}
		return fault.Wrap(fault.KindUnknown, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, op, err)
	}
	return fault.Wrap(fault.KindNetwork, op, fmt.Errorf("request failed: %w", err))
}
