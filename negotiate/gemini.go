package negotiate

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiModel generates replies with the Google Gemini API.
type GeminiModel struct {
	client      *genai.Client
	model       string
	temperature *float32
}

// GeminiOption customizes the Gemini client configuration.
type GeminiOption func(*genai.ClientConfig)

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) GeminiOption {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPOptions.BaseURL = url
	}
}

// NewGeminiModel creates a Gemini client. It fails with a ConfigurationError
// when apiKey is empty or the client cannot be constructed.
func NewGeminiModel(ctx context.Context, apiKey, model string, temperature *float32, opts ...GeminiOption) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, NewError(ConfigurationError, "Gemini API key is required", nil)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, NewError(ConfigurationError, "failed to create Gemini client", err)
	}

	return &GeminiModel{
		client:      client,
		model:       model,
		temperature: temperature,
	}, nil
}

// Generate sends prompt as the entire input and returns the reply text.
func (g *GeminiModel) Generate(ctx context.Context, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      g.temperature,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	// An empty reply (for example a blocked candidate) is left to the JSON check.
	return resp.Text(), nil
}

// Name returns the model identifier.
func (g *GeminiModel) Name() string {
	return fmt.Sprintf("gemini:%s", g.model)
}
