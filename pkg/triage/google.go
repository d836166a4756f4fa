package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GoogleAdapter summarizes through the Gemini API.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a Gemini adapter.
func NewGoogleAdapter(apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &GoogleAdapter{client: client}, nil
}

func (a *GoogleAdapter) Name() string { return "google" }

func (a *GoogleAdapter) DefaultModel() string { return "gemini-2.0-flash" }

// Generate asks Gemini for a short, low-temperature summary.
func (a *GoogleAdapter) Generate(ctx context.Context, model string, prompt string) (string, error) {
	resp, err := a.client.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
		MaxOutputTokens:   maxSummaryTokens,
		Temperature:       genai.Ptr[float32](0.2),
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", &ProviderError{Provider: a.Name(), Status: apiErr.Code, Err: err}
		}
		return "", fmt.Errorf("google API error: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("google returned no candidates")
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("google returned an empty summary (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}
