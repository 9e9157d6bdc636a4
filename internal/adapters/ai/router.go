package ai

import (
	"context"

	"agentfleet/pkg/errors"
)

// Router sends a request to the client that serves the model's vendor
type Router struct {
	clients      map[ProviderName]ChatClient
	defaultModel string
}

var _ ChatClient = (*Router)(nil)

// NewRouter registers the non-nil clients. defaultModel fills requests without a model.
func NewRouter(defaultModel string, clients ...ChatClient) *Router {
	r := &Router{clients: make(map[ProviderName]ChatClient), defaultModel: defaultModel}
	for _, c := range clients {
		if c != nil {
			r.clients[c.Provider()] = c
		}
	}
	return r
}

func (r *Router) Provider() ProviderName { return "router" }

func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if req.Model == "" {
		req.Model = r.defaultModel
	}
	provider := ProviderForModel(req.Model)
	client, ok := r.clients[provider]
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "no client configured for %s (model %s)", provider, req.Model)
	}
	return client.Complete(ctx, req)
}
