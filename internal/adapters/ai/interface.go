package ai

import "context"

// ChatClient is a single-shot structured completion against one vendor
type ChatClient interface {
	Provider() ProviderName
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest asks for one answer shaped by Schema
type CompletionRequest struct {
	Model           string
	System          string
	User            string
	Schema          *Schema
	SchemaName      string
	Temperature     float64
	MaxOutputTokens int64
}

// CompletionResponse carries the raw answer and token usage
type CompletionResponse struct {
	Content      string
	Model        string
	Provider     ProviderName
	FinishReason string
	Usage        Usage
}

// Usage holds token counts reported by the vendor
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }
