package llmclient

import (
	"context"
	"fmt"
	"os"
	"strings"

	genai "google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiClient is a thin wrapper around the official genai client.
// Cross-cutting concerns (rate limiting, logging, hooks) are applied via
// middleware in package llm.
type GeminiClient struct {
	cli   *genai.Client
	model string
}

// NewGeminiClient creates a client for the Gemini API. An empty apiKey falls
// back to GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, NewPermanentError(fmt.Errorf("gemini: GEMINI_API_KEY is not set"))
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	return &GeminiClient{cli: cli, model: model}, nil
}

func (g *GeminiClient) Name() string { return "Gemini:" + g.model }
func (g *GeminiClient) Close() error { return nil }

// GenerateText sends prompt as the system instruction and input as the only
// user turn, at temperature 0.
func (g *GeminiClient) GenerateText(ctx context.Context, prompt string, input any) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}
	if prompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: prompt}}}
	}
	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: RenderInput(input)}}}},
		cfg,
	)
	if err != nil {
		return "", err
	}
	txt := strings.TrimSpace(resp.Text())
	if txt == "" {
		return "", ErrEmptyResponse
	}
	return txt, nil
}
