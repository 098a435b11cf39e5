// Package anthropic implements the model transport over the Anthropic
// Messages API with SSE streaming.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/patchwork/internal/agent"
	"github.com/haasonsaas/patchwork/pkg/models"
)

const (
	defaultMaxTokens = 4096
	defaultRetries   = 3
	defaultRetryWait = time.Second
)

// Provider streams completions from Claude models.
type Provider struct {
	client     sdk.Client
	maxRetries int
	retryDelay time.Duration
}

// New creates a provider with the given API key.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	return &Provider{
		client:     sdk.NewClient(option.WithAPIKey(apiKey)),
		maxRetries: defaultRetries,
		retryDelay: defaultRetryWait,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "anthropic" }

// Complete implements agent.ModelTransport. Deadline failures carry
// "timeout" in the message; cancellation carries "cancel".
func (p *Provider) Complete(ctx context.Context, req agent.CompletionRequest) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: defaultMaxTokens,
		Messages:  convertMessages(req.Messages),
	}
	if system := systemText(req.Messages); system != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: system}}
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		text, streamed, err := p.stream(ctx, params, req.OnDelta)
		if err == nil {
			return text, nil
		}
		lastErr = err

		// Never retry once output reached the caller, and never retry
		// past the deadline.
		if streamed || ctx.Err() != nil {
			break
		}
		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return "", classify(req.Timeout, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return "", classify(req.Timeout, lastErr)
}

// stream runs one streaming request; streamed reports whether any delta
// was already forwarded to the caller.
func (p *Provider) stream(ctx context.Context, params sdk.MessageNewParams, onDelta func(agent.Delta)) (string, bool, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	var text strings.Builder
	streamed := false

	for stream.Next() {
		event := stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type != "text_delta" || delta.Text == "" {
			continue
		}
		text.WriteString(delta.Text)
		if onDelta != nil {
			streamed = true
			onDelta(agent.Delta{Text: delta.Text})
		}
	}
	if err := stream.Err(); err != nil {
		return "", streamed, err
	}
	if ctx.Err() != nil {
		return "", streamed, ctx.Err()
	}

	if onDelta != nil {
		onDelta(agent.Delta{Done: true})
	}
	return text.String(), streamed, nil
}

// convertMessages maps the engine transcript onto Anthropic's roles.
// System text is carried separately; tool-role messages fold into user
// turns, which is how tool output re-enters the conversation here.
func convertMessages(messages []models.AgentMessage) []sdk.MessageParam {
	var out []sdk.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem || msg.Content == "" {
			continue
		}
		block := sdk.NewTextBlock(msg.Content)
		if msg.Role == models.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(block))
		} else {
			out = append(out, sdk.NewUserMessage(block))
		}
	}
	return out
}

func systemText(messages []models.AgentMessage) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == models.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// classify rewrites context errors into the message contract the engine
// keys on.
func classify(timeout time.Duration, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("anthropic: model response timeout after %s", timeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("anthropic: request cancelled")
	default:
		return fmt.Errorf("anthropic: %w", err)
	}
}
