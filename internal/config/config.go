package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	AdminJWTSecret string
	CORSOrigins    []string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	TurnCacheTTL  time.Duration

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Generation backends
	LLMProvider         string
	LLMFallbackProvider string
	MockLLM             bool
	APIURL              string
	APIKey              string
	APIModel            string
	APITimeout          time.Duration
	Temperature         float32
	ContextWindow       int
	MaxTokens           int
	GeminiAPIKey        string
	GeminiModel         string
	BedrockModelID      string

	// Embeddings
	EmbeddingProvider       string
	BedrockEmbeddingModelID string
	OpenAIEmbeddingModel    string

	// Dialogue
	DialogueMode         string
	HistoryRounds        int
	MaxContextChars      int
	GenerationMaxRetries int
	RelaxedMinChars      int
	RelaxedMaxChars      int
	MaxConcurrentTurns   int
	ChatRateLimit        float64
	ChatRateBurst        int

	// Retrieval
	EnableLocalRetrieval   bool
	EnableWebRetrieval     bool
	LocalRetrievalTopK     int
	WebRetrievalTopK       int
	WebRetrievalPages      int
	WebRetrievalTimeout    time.Duration
	LocalRetrievalTimeout  time.Duration
	WebPreferBaidu         bool
	WebRelevanceFilter     bool
	WebRelevanceMinMatches int
	WebCNOnly              bool
	WebCooldown            time.Duration
	KnowledgeS3Bucket      string
	KnowledgeS3Prefix      string

	// Crisis alerting
	CrisisKeywordsFile     string
	CrisisScanResponses    bool
	AlertHeartbeat         time.Duration
	AlertSubscriberBuffer  int
	AlertNotifyEmails      []string
	AlertNotifyMinSeverity string

	// Email
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		CORSOrigins:    getEnvAsList("CORS_ALLOWED_ORIGINS", nil),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		TurnCacheTTL:  getEnvAsDuration("TURN_CACHE_TTL", 24*time.Hour),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		LLMProvider:         strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", "openai"))),
		LLMFallbackProvider: strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		MockLLM:             getEnvAsBool("MOCK_LLM", false),
		APIURL:              getEnv("API_URL", "https://api.deepseek.com/v1"),
		APIKey:              getEnv("API_KEY", ""),
		APIModel:            getEnv("API_MODEL", "deepseek-chat"),
		APITimeout:          getEnvAsSeconds("API_TIMEOUT", 30*time.Second),
		Temperature:         getEnvAsFloat32("TEMPERATURE", 0.7),
		ContextWindow:       getEnvAsInt("API_NUM_CTX", 2048),
		MaxTokens:           getEnvAsInt("API_MAX_TOKENS", 768),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModel:         getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),

		EmbeddingProvider:       strings.ToLower(strings.TrimSpace(getEnv("EMBEDDING_PROVIDER", "hash"))),
		BedrockEmbeddingModelID: getEnv("BEDROCK_EMBEDDING_MODEL_ID", "amazon.titan-embed-text-v2:0"),
		OpenAIEmbeddingModel:    getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),

		DialogueMode:         getEnv("DIALOGUE_MODE", "strict-template"),
		HistoryRounds:        getEnvAsInt("HISTORY_ROUNDS", 6),
		MaxContextChars:      getEnvAsInt("MAX_CONTEXT_CHARS", 1800),
		GenerationMaxRetries: getEnvAsInt("GENERATION_MAX_RETRIES", 2),
		RelaxedMinChars:      getEnvAsInt("RELAXED_MIN_CHARS", 80),
		RelaxedMaxChars:      getEnvAsInt("RELAXED_MAX_CHARS", 1200),
		MaxConcurrentTurns:   getEnvAsInt("MAX_CONCURRENT_TURNS", 16),
		ChatRateLimit:        getEnvAsFloat64("CHAT_RATE_LIMIT", 1),
		ChatRateBurst:        getEnvAsInt("CHAT_RATE_BURST", 5),

		EnableLocalRetrieval:   getEnvAsBool("ENABLE_LOCAL_RETRIEVAL", true),
		EnableWebRetrieval:     getEnvAsBool("ENABLE_WEB_RETRIEVAL_DEFAULT", true),
		LocalRetrievalTopK:     getEnvAsInt("LOCAL_RETRIEVAL_TOP_K", 3),
		WebRetrievalTopK:       getEnvAsInt("WEB_RETRIEVAL_TOP_K", 1),
		WebRetrievalPages:      getEnvAsInt("WEB_RETRIEVAL_PAGES", 2),
		WebRetrievalTimeout:    getEnvAsSeconds("WEB_RETRIEVAL_TIMEOUT", 10*time.Second),
		LocalRetrievalTimeout:  getEnvAsDuration("LOCAL_RETRIEVAL_TIMEOUT", 3*time.Second),
		WebPreferBaidu:         getEnvAsBool("WEB_PREFER_BAIDU", true),
		WebRelevanceFilter:     getEnvAsBool("WEB_RELEVANCE_FILTER", true),
		WebRelevanceMinMatches: getEnvAsInt("WEB_RELEVANCE_MIN_MATCHES", 1),
		WebCNOnly:              getEnvAsBool("CN_ONLY", false),
		WebCooldown:            getEnvAsDuration("WEB_COOLDOWN", 5*time.Minute),
		KnowledgeS3Bucket:      getEnv("KNOWLEDGE_S3_BUCKET", ""),
		KnowledgeS3Prefix:      getEnv("KNOWLEDGE_S3_PREFIX", "knowledge/"),

		CrisisKeywordsFile:     getEnv("CRISIS_KEYWORDS_FILE", ""),
		CrisisScanResponses:    getEnvAsBool("CRISIS_SCAN_RESPONSES", true),
		AlertHeartbeat:         getEnvAsDuration("ALERT_HEARTBEAT_INTERVAL", 20*time.Second),
		AlertSubscriberBuffer:  getEnvAsInt("ALERT_SUBSCRIBER_BUFFER", 64),
		AlertNotifyEmails:      getEnvAsList("ALERT_NOTIFY_EMAILS", nil),
		AlertNotifyMinSeverity: getEnv("ALERT_NOTIFY_MIN_SEVERITY", "critical"),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", ""))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "RuralCare Alerts"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 32); err == nil {
		return float32(value)
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSeconds accepts either a Go duration ("30s") or a bare number of seconds ("30").
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return getEnvAsDuration(key, defaultValue)
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
