package ai

import "strings"

// ProviderName represents an AI provider identifier
type ProviderName string

const (
	ProviderNameOpenAI ProviderName = "openai"
	ProviderNameGoogle ProviderName = "google"
	// ProviderNameLocal marks engines that never leave the process
	ProviderNameLocal ProviderName = "local"
)

// Models the fleet is seeded with
const (
	ModelGPT4oMini   = "gpt-4o-mini"
	ModelGPT4o       = "gpt-4o"
	ModelGeminiFlash = "gemini-2.0-flash"
)

func (p ProviderName) String() string {
	return string(p)
}

// ProviderForModel resolves the vendor from the model name
func ProviderForModel(model string) ProviderName {
	if strings.HasPrefix(strings.ToLower(model), "gemini") {
		return ProviderNameGoogle
	}
	return ProviderNameOpenAI
}
