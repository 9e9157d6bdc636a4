package ai

import (
	"context"

	"google.golang.org/genai"

	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// GeminiClient completes requests through the Gemini API with a response schema
type GeminiClient struct {
	client *genai.Client
	log    *logger.Logger
}

var _ ChatClient = (*GeminiClient)(nil)

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create gemini client")
	}
	return &GeminiClient{client: client, log: logger.Get().With("component", "gemini_client")}, nil
}

func (c *GeminiClient) Provider() ProviderName { return ProviderNameGoogle }

func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema.GenAI()
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.User), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "gemini generate content")
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.Wrap(errors.ErrUnavailable, "gemini returned no candidates")
	}

	out := &CompletionResponse{
		Content:      resp.Text(),
		Model:        req.Model,
		Provider:     ProviderNameGoogle,
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	c.log.Debugw("completion", "model", req.Model, "input_tokens", out.Usage.InputTokens, "output_tokens", out.Usage.OutputTokens)
	return out, nil
}
