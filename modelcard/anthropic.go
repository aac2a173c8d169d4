package modelcard

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicNarrator narrates model cards with Claude via anthropic-sdk-go.
// It is safe for concurrent use.
type AnthropicNarrator struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicNarrator creates a narrator for the given key and model. An
// empty model selects DefaultAnthropicModel.
func NewAnthropicNarrator(apiKey, model string) *AnthropicNarrator {
	if model == "" {
		model = DefaultAnthropicModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicNarrator{
		client: &client,
		model:  model,
	}
}

// Narrate implements Narrator.
func (a *AnthropicNarrator) Narrate(ctx context.Context, summary Summary) (string, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(summary))),
		},
	})
	if err != nil {
		return "", classifyError(a.Name(), err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &NarratorError{Provider: a.Name(), Code: "empty_response", Message: "no text content in response"}
	}
	return sb.String(), nil
}

// Name returns "anthropic".
func (a *AnthropicNarrator) Name() string {
	return ProviderAnthropic
}
