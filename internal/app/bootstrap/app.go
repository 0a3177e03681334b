package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AdrianFeng10086/RuralCareAI/internal/alerts"
	"github.com/AdrianFeng10086/RuralCareAI/internal/api/router"
	appconfig "github.com/AdrianFeng10086/RuralCareAI/internal/config"
	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/internal/dialogue"
	"github.com/AdrianFeng10086/RuralCareAI/internal/http/handlers"
	"github.com/AdrianFeng10086/RuralCareAI/internal/notify"
	"github.com/AdrianFeng10086/RuralCareAI/internal/observability/metrics"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// App is the fully wired dialogue server.
type App struct {
	Handler  http.Handler
	Engine   *dialogue.Engine
	Bus      *alerts.Bus
	Store    store.Store
	Notifier *alerts.Notifier

	logger    *logging.Logger
	closers   []func()
	notifying bool
}

// Build wires storage, generation, retrieval, crisis alerting and HTTP
// routing from cfg. Optional infrastructure that is not configured is
// replaced by its in-process equivalent.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app := &App{logger: logger}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewDialogueMetrics(registry)

	redisClient := BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
	}
	pool, err := BuildPostgresPool(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	if pool != nil {
		app.closers = append(app.closers, pool.Close)
	}
	app.Store = BuildStore(pool, redisClient, cfg, logger)

	llm, closeLLM, err := BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, closeLLM)

	embedder := BuildEmbeddingStrategy(cfg, awsCfg, logger)
	retriever := BuildRetriever(cfg, BuildKnowledgeSource(cfg, redisClient, awsCfg, logger), embedder, m, logger)

	detector, err := BuildCrisisDetector(cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Bus = alerts.NewBus(logger, alerts.WithQueueSize(cfg.AlertSubscriberBuffer), alerts.WithMetrics(m))
	broadcaster := alerts.NewBroadcaster(app.Bus, cfg.AlertHeartbeat, logger)
	if svc := BuildNotifyService(cfg, awsCfg, logger); svc.Enabled() {
		app.Notifier = alerts.NewNotifier(app.Bus, svc, logger)
	}

	mode, err := dialogue.ParseMode(cfg.DialogueMode)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	relaxed := dialogue.RelaxedLength{MinRunes: cfg.RelaxedMinChars, MaxRunes: cfg.RelaxedMaxChars}
	builder := dialogue.NewContextBuilder(app.Store, retriever, dialogue.BuilderConfig{
		HistoryRounds: cfg.HistoryRounds,
		Mode:          mode,
		Relaxed:       relaxed,
		Generation: dialogue.GenerationConfig{
			Model:         cfg.APIModel,
			Temperature:   cfg.Temperature,
			ContextWindow: cfg.ContextWindow,
			MaxTokens:     int32(cfg.MaxTokens),
		},
	}, logger)

	maxRetries := cfg.GenerationMaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	validator := dialogue.NewOutputValidator(llm, dialogue.ValidatorConfig{
		MaxRetries:     maxRetries,
		Relaxed:        relaxed,
		AttemptTimeout: cfg.APITimeout,
	}, logger, m)

	app.Engine = dialogue.NewEngine(dialogue.EngineDeps{
		Store:              app.Store,
		Builder:            builder,
		Validator:          validator,
		Scanner:            detector,
		Publisher:          app.Bus,
		MaxConcurrentTurns: int64(cfg.MaxConcurrentTurns),
		Metrics:            m,
		Logger:             logger,
	})

	app.Handler = router.New(&router.Config{
		Logger:             logger,
		ChatHandler:        dialogue.NewHandler(app.Engine, logger),
		AdminAlerts:        handlers.NewAdminAlertsHandler(app.Store, broadcaster, cfg.CORSOrigins, logger),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSOrigins,
		ChatRateLimit:      cfg.ChatRateLimit,
		ChatRateBurst:      cfg.ChatRateBurst,
		Readiness: func(ctx context.Context) error {
			var errs []error
			if pool != nil {
				errs = append(errs, pool.Ping(ctx))
			}
			if redisClient != nil {
				errs = append(errs, redisClient.Ping(ctx).Err())
			}
			return errors.Join(errs...)
		},
	})

	logger.Info("dialogue engine ready",
		"mode", mode,
		"llm_provider", cfg.LLMProvider,
		"postgres", pool != nil,
		"redis", redisClient != nil,
		"alert_email", app.Notifier != nil,
	)
	return app, nil
}

// Start launches background subscribers. Call once before serving.
func (a *App) Start(ctx context.Context) error {
	if a.Notifier == nil {
		return nil
	}
	if err := a.Notifier.Start(ctx); err != nil {
		return fmt.Errorf("bootstrap: start alert notifier: %w", err)
	}
	a.notifying = true
	return nil
}

// Close drains in-flight turns, closes the alert bus and releases
// connections, in that order.
func (a *App) Close() {
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.notifying {
		<-a.Notifier.Done()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// BuildCrisisDetector loads CRISIS_KEYWORDS_FILE when set, else the
// built-in keyword sets.
func BuildCrisisDetector(cfg *appconfig.Config, logger *logging.Logger) (*crisis.Detector, error) {
	var rules *crisis.Rules
	if path := strings.TrimSpace(cfg.CrisisKeywordsFile); path != "" {
		loaded, err := crisis.LoadRules(path)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: crisis keywords: %w", err)
		}
		rules = loaded
		logger.Info("crisis keywords loaded", "path", path, "categories", len(rules.Names()))
	}
	return crisis.NewDetector(rules, logger, crisis.WithResponseScanning(cfg.CrisisScanResponses)), nil
}

// BuildNotifyService wires supervisor email for alerts at or above
// ALERT_NOTIFY_MIN_SEVERITY.
func BuildNotifyService(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *notify.Service {
	var sesClient *sesv2.Client
	if strings.EqualFold(cfg.EmailProvider, "ses") {
		sesClient = sesv2.NewFromConfig(awsCfg)
	}
	sender := notify.NewSender(notify.SenderConfig{
		Provider:          cfg.EmailProvider,
		SendGridAPIKey:    cfg.SendGridAPIKey,
		SendGridFromEmail: cfg.SendGridFromEmail,
		FromName:          cfg.SendGridFromName,
		SESFromEmail:      cfg.SESFromEmail,
	}, sesClient, logger)
	return notify.NewService(sender, cfg.AlertNotifyEmails, notifyMinSeverity(cfg.AlertNotifyMinSeverity, logger), logger)
}

// notifyMinSeverity falls back to critical when the configured threshold is
// not a known severity, so a typo never widens who gets emailed.
func notifyMinSeverity(raw string, logger *logging.Logger) crisis.Severity {
	if strings.TrimSpace(raw) == "" {
		return crisis.SeverityCritical
	}
	sev, err := crisis.ParseSeverity(raw)
	if err != nil {
		logger.Warn("invalid ALERT_NOTIFY_MIN_SEVERITY; emailing critical alerts only", "value", raw, "error", err)
		return crisis.SeverityCritical
	}
	return sev
}
