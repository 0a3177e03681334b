package bootstrap

import (
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	openai "github.com/sashabaranov/go-openai"

	appconfig "github.com/AdrianFeng10086/RuralCareAI/internal/config"
	"github.com/AdrianFeng10086/RuralCareAI/internal/observability/metrics"
	"github.com/AdrianFeng10086/RuralCareAI/internal/retrieval"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// BuildEmbeddingStrategy picks the configured embedder with the hash
// embedder as the permanent fallback.
func BuildEmbeddingStrategy(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *retrieval.EmbeddingStrategy {
	var primary retrieval.Embedder
	switch cfg.EmbeddingProvider {
	case ProviderBedrock:
		primary = retrieval.NewBedrockEmbedder(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockEmbeddingModelID)
	case ProviderOpenAI:
		if strings.TrimSpace(cfg.APIKey) == "" {
			logger.Warn("openai embeddings selected without API_KEY; using hash embeddings")
			break
		}
		oc := openai.DefaultConfig(cfg.APIKey)
		if cfg.APIURL != "" {
			oc.BaseURL = cfg.APIURL
		}
		primary = retrieval.NewOpenAIEmbedder(openai.NewClientWithConfig(oc), cfg.OpenAIEmbeddingModel)
	}
	return retrieval.NewEmbeddingStrategy(primary, nil, logger)
}

// BuildKnowledgeSource combines the Redis knowledge repository and the S3
// prefix loader. It returns nil when neither is configured.
func BuildKnowledgeSource(cfg *appconfig.Config, redisClient *redis.Client, awsCfg aws.Config, logger *logging.Logger) retrieval.KnowledgeSource {
	var sources retrieval.MultiSource
	if redisClient != nil {
		sources = append(sources, retrieval.NewRedisKnowledgeRepository(redisClient))
	}
	if bucket := strings.TrimSpace(cfg.KnowledgeS3Bucket); bucket != "" {
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
		sources = append(sources, retrieval.NewS3KnowledgeLoader(client, bucket, cfg.KnowledgeS3Prefix, logger))
	}
	if len(sources) == 0 {
		return nil
	}
	return sources
}

// BuildRetriever wires the local index and web searcher behind the merger.
// A disabled or unconfigured source is left out.
func BuildRetriever(cfg *appconfig.Config, source retrieval.KnowledgeSource, embedder *retrieval.EmbeddingStrategy, m *metrics.DialogueMetrics, logger *logging.Logger) *retrieval.Merger {
	var local, web retrieval.Searcher

	switch {
	case !cfg.EnableLocalRetrieval:
		logger.Info("local retrieval disabled")
	case source == nil:
		logger.Warn("local retrieval enabled but no knowledge source configured (REDIS_ADDR or KNOWLEDGE_S3_BUCKET)")
	default:
		local = retrieval.NewLocalIndex(source, embedder, logger)
	}

	httpClient := &http.Client{Timeout: cfg.WebRetrievalTimeout}
	providers := retrieval.OrderProviders(
		retrieval.NewBingProvider(httpClient, ""),
		retrieval.NewBaiduProvider(httpClient, ""),
		cfg.WebPreferBaidu,
	)
	web = retrieval.NewWebSearcher(providers, embedder, retrieval.WebConfig{
		Pages:               cfg.WebRetrievalPages,
		CNOnly:              cfg.WebCNOnly,
		Cooldown:            cfg.WebCooldown,
		RelevanceFilter:     cfg.WebRelevanceFilter,
		RelevanceMinMatches: cfg.WebRelevanceMinMatches,
	}, logger)

	return retrieval.NewMerger(local, web, retrieval.MergerConfig{
		CharBudget:   cfg.MaxContextChars,
		LocalTopK:    cfg.LocalRetrievalTopK,
		WebTopK:      cfg.WebRetrievalTopK,
		LocalTimeout: cfg.LocalRetrievalTimeout,
		WebTimeout:   cfg.WebRetrievalTimeout,
		WebDefault:   cfg.EnableWebRetrieval,
	}, logger, m)
}
