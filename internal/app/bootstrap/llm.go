package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/AdrianFeng10086/RuralCareAI/internal/config"
	"github.com/AdrianFeng10086/RuralCareAI/internal/dialogue"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const (
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
	ProviderOffline = "offline"
)

// BuildLLMClient wires the configured generation backend, chained to the
// fallback provider when one is set. The returned cleanup releases
// backend connections.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (dialogue.LLMClient, func(), error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.MockLLM {
		logger.Warn("MOCK_LLM set; using offline generation backend")
		return dialogue.OfflineLLMClient{}, func() {}, nil
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	primary, closePrimary, err := buildProvider(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, closePrimary)

	fallbackName := strings.TrimSpace(cfg.LLMFallbackProvider)
	if fallbackName == "" || fallbackName == cfg.LLMProvider {
		logger.Info("using LLM backend", "provider", cfg.LLMProvider)
		return primary, cleanup, nil
	}
	fallback, closeFallback, err := buildProvider(ctx, fallbackName, cfg, awsCfg)
	if err != nil {
		logger.Warn("fallback LLM unavailable", "provider", fallbackName, "error", err)
		return primary, cleanup, nil
	}
	cleanups = append(cleanups, closeFallback)

	logger.Info("using LLM backend", "provider", cfg.LLMProvider, "fallback", fallbackName)
	return dialogue.NewFallbackLLMClient(primary, fallback, logger), cleanup, nil
}

func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg aws.Config) (dialogue.LLMClient, func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ProviderOpenAI:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, nil, fmt.Errorf("bootstrap: API_KEY is required for the openai provider")
		}
		client := dialogue.NewOpenAIClient(cfg.APIKey, cfg.APIURL, cfg.APITimeout)
		return dialogue.BindModel(client, cfg.APIModel), noop, nil
	case ProviderBedrock:
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, nil, fmt.Errorf("bootstrap: BEDROCK_MODEL_ID is required for the bedrock provider")
		}
		client := dialogue.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
		return dialogue.BindModel(client, cfg.BedrockModelID), noop, nil
	case ProviderGemini:
		client, err := dialogue.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: gemini: %w", err)
		}
		return client, func() { _ = client.Close() }, nil
	case ProviderOffline:
		return dialogue.OfflineLLMClient{}, noop, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown LLM provider %q", name)
	}
}
