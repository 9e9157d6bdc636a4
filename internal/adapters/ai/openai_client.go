package ai

import (
	"context"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"agentfleet/pkg/errors"
	"agentfleet/pkg/logger"
)

// OpenAIClient completes requests with the official SDK. Retries are left to the caller.
type OpenAIClient struct {
	client openai.Client
	log    *logger.Logger
}

var _ ChatClient = (*OpenAIClient)(nil)

func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "openai API key is required")
	}
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0)),
		log:    logger.Get().With("component", "openai_client"),
	}, nil
}

func (c *OpenAIClient) Provider() ProviderName { return ProviderNameOpenAI }

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxOutputTokens)
	}
	if req.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: req.Schema.JSONSchema(),
				},
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.Wrap(errors.ErrUnavailable, "openai returned no choices")
	}

	choice := completion.Choices[0]
	c.log.Debugw("completion",
		"model", completion.Model,
		"input_tokens", completion.Usage.PromptTokens,
		"output_tokens", completion.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)

	return &CompletionResponse{
		Content:      choice.Message.Content,
		Model:        completion.Model,
		Provider:     ProviderNameOpenAI,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
	}, nil
}

// classifyOpenAIError marks client-side mistakes as ErrInvalidInput so they are not retried
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return errors.Wrapf(errors.ErrInvalidInput, "openai rejected request (%d): %v", apiErr.StatusCode, err)
		}
		return errors.Wrapf(errors.ErrUnavailable, "openai error (%d): %v", apiErr.StatusCode, err)
	}
	return errors.Wrap(err, "openai request")
}
