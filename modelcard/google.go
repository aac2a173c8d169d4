package modelcard

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleNarrator narrates model cards with Gemini via generative-ai-go.
// Call Close when done.
type GoogleNarrator struct {
	client *genai.Client
	model  string
}

// NewGoogleNarrator creates a narrator for the given key and model. An empty
// model selects DefaultGoogleModel.
func NewGoogleNarrator(ctx context.Context, apiKey, model string) (*GoogleNarrator, error) {
	if model == "" {
		model = DefaultGoogleModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}
	return &GoogleNarrator{
		client: client,
		model:  model,
	}, nil
}

// Narrate implements Narrator.
func (g *GoogleNarrator) Narrate(ctx context.Context, summary Summary) (string, error) {
	gm := g.client.GenerativeModel(g.model)
	gm.SetTemperature(0.2)

	resp, err := gm.GenerateContent(ctx, genai.Text(buildPrompt(summary)))
	if err != nil {
		return "", classifyError(g.Name(), err)
	}

	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return "", &NarratorError{Provider: g.Name(), Code: "empty_response", Message: "no text candidates in response"}
	}
	return sb.String(), nil
}

// Name returns "google".
func (g *GoogleNarrator) Name() string {
	return ProviderGoogle
}

// Close releases the underlying client.
func (g *GoogleNarrator) Close() error {
	return g.client.Close()
}
