package llm

import (
	"fmt"
	"strings"

	"github.com/teilomillet/gollm"
)

// mapProviderName determines the canonical provider name from an explicit
// name or the model name prefix. All the relay's direct backends speak the
// OpenAI-compatible wire format, so this only affects gollm configuration.
func mapProviderName(providerName, model string) string {
	name := strings.ToLower(strings.TrimSpace(providerName))

	switch name {
	case "openai", "deepseek", "groq", "mistral", "openrouter", "ollama":
		return name
	case "moonshot", "kimi":
		return "openai" // Moonshot uses an OpenAI-compatible API
	}

	lowerModel := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lowerModel, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(lowerModel, "gpt") || strings.HasPrefix(lowerModel, "o1"):
		return "openai"
	case strings.HasPrefix(lowerModel, "mistral"):
		return "mistral"
	}

	return "openai"
}

// newGollmInstance creates a configured gollm.LLM used for simple probe
// queries where the canonical request path is overkill.
func newGollmInstance(baseURL, apiKey, model, providerName string) (gollm.LLM, error) {
	opts := []gollm.ConfigOption{
		gollm.SetProvider(providerName),
		gollm.SetModel(model),
		gollm.SetAPIKey(apiKey),
		gollm.SetLogLevel(gollm.LogLevelOff),
		gollm.SetMaxRetries(0), // retry is handled by the caller
	}

	if providerName == "ollama" && baseURL != "" {
		opts = append(opts, gollm.SetOllamaEndpoint(baseURL))
	}

	instance, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("gollm init [%s/%s]: %w", providerName, model, err)
	}

	if baseURL != "" && providerName != "ollama" {
		instance.SetEndpoint(strings.TrimRight(baseURL, "/") + "/chat/completions")
	}

	return instance, nil
}
