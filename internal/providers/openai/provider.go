// Package openai implements the model transport over OpenAI's chat
// completion streaming API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/patchwork/internal/agent"
	"github.com/haasonsaas/patchwork/pkg/models"
)

const (
	defaultRetries   = 3
	defaultRetryWait = time.Second
)

// Provider streams completions from GPT models.
type Provider struct {
	client     *sdk.Client
	maxRetries int
	retryDelay time.Duration
}

// New creates a provider with the given API key.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	return &Provider{
		client:     sdk.NewClient(apiKey),
		maxRetries: defaultRetries,
		retryDelay: defaultRetryWait,
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "openai" }

// Complete implements agent.ModelTransport. Deadline failures carry
// "timeout" in the message; cancellation carries "cancel".
func (p *Provider) Complete(ctx context.Context, req agent.CompletionRequest) (string, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	chatReq := sdk.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}

	var stream *sdk.ChatCompletionStream
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt == p.maxRetries {
			return "", classify(req.Timeout, err)
		}
		backoff := p.retryDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return "", classify(req.Timeout, ctx.Err())
		case <-time.After(backoff):
		}
	}
	defer stream.Close()

	var text strings.Builder
	for {
		response, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", classify(req.Timeout, recvErr)
		}
		if len(response.Choices) == 0 {
			continue
		}
		chunk := response.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		if req.OnDelta != nil {
			req.OnDelta(agent.Delta{Text: chunk})
		}
	}

	if req.OnDelta != nil {
		req.OnDelta(agent.Delta{Done: true})
	}
	return text.String(), nil
}

// convertMessages maps the engine transcript onto OpenAI chat roles.
// Tool-role messages fold into user turns since tool output travels as
// JSON text in this contract.
func convertMessages(messages []models.AgentMessage) []sdk.ChatCompletionMessage {
	out := make([]sdk.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		role := sdk.ChatMessageRoleUser
		switch msg.Role {
		case models.RoleSystem:
			role = sdk.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = sdk.ChatMessageRoleAssistant
		}
		out = append(out, sdk.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}

func classify(timeout time.Duration, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("openai: model response timeout after %s", timeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("openai: request cancelled")
	default:
		return fmt.Errorf("openai: %w", err)
	}
}
