package modelcard

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAINarrator narrates model cards with the OpenAI chat completions API.
type OpenAINarrator struct {
	client *openai.Client
	model  string
}

// NewOpenAINarrator creates a narrator for the given key and model. An empty
// model selects DefaultOpenAIModel.
func NewOpenAINarrator(apiKey, model string) *OpenAINarrator {
	if model == "" {
		model = DefaultOpenAIModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAINarrator{
		client: &client,
		model:  model,
	}
}

// Narrate implements Narrator.
func (o *OpenAINarrator) Narrate(ctx context.Context, summary Summary) (string, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(buildPrompt(summary)),
					},
				},
			},
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", classifyError(o.Name(), err)
	}

	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", &NarratorError{Provider: o.Name(), Code: "empty_response", Message: "no choices in response"}
	}
	return completion.Choices[0].Message.Content, nil
}

// Name returns "openai".
func (o *OpenAINarrator) Name() string {
	return ProviderOpenAI
}
