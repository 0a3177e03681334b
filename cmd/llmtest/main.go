// Command llmtest sends one counselling turn to every configured generation
// backend and reports whether each reply satisfies the dialogue contract.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/AdrianFeng10086/RuralCareAI/cmd/mainconfig"
	"github.com/AdrianFeng10086/RuralCareAI/internal/app/bootstrap"
	appconfig "github.com/AdrianFeng10086/RuralCareAI/internal/config"
	"github.com/AdrianFeng10086/RuralCareAI/internal/dialogue"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}
	cfg := appconfig.Load()
	logger := logging.New("error")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		fmt.Printf("AWS config unavailable: %v\n", err)
		os.Exit(1)
	}

	mode, err := dialogue.ParseMode(cfg.DialogueMode)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	// One prior round so backends see a real history.
	history := store.NewMemoryStore()
	_, _ = history.AppendTurn(ctx, store.Turn{
		SessionID:   "llmtest",
		UserMessage: "我最近在学校总是一个人",
		Response:    "听起来你有些孤单，谢谢你愿意告诉我。",
		Mode:        string(mode),
	})
	builder := dialogue.NewContextBuilder(history, nil, dialogue.BuilderConfig{
		Mode: mode,
		Generation: dialogue.GenerationConfig{
			Temperature:   cfg.Temperature,
			ContextWindow: cfg.ContextWindow,
			MaxTokens:     int32(cfg.MaxTokens),
		},
	}, logger)
	cc, err := builder.Build(ctx, dialogue.BuildInput{
		SessionID: "llmtest",
		ChildName: "小明",
		Message:   "我想交朋友，但是不知道怎么开口",
	})
	if err != nil {
		fmt.Printf("build context: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Dialogue contract: %s\n", mode)
	failed := 0
	for _, provider := range []string{bootstrap.ProviderOpenAI, bootstrap.ProviderBedrock, bootstrap.ProviderGemini} {
		pcfg := *cfg
		pcfg.LLMProvider = provider
		pcfg.LLMFallbackProvider = ""
		pcfg.MockLLM = false

		client, cleanup, err := bootstrap.BuildLLMClient(ctx, &pcfg, awsCfg, logger)
		if err != nil {
			fmt.Printf("\n[%s] skipped: %v\n", provider, err)
			continue
		}

		validator := dialogue.NewOutputValidator(client, dialogue.ValidatorConfig{MaxRetries: cfg.GenerationMaxRetries}, logger, nil)
		start := time.Now()
		outcome, err := validator.Run(ctx, cc.Request(), dialogue.FallbackReply)
		cleanup()
		if err != nil {
			fmt.Printf("\n[%s] cancelled: %v\n", provider, err)
			failed++
			continue
		}

		status := "ok"
		if outcome.Degraded {
			status = "FALLBACK"
			failed++
		}
		fmt.Printf("\n[%s] %s in %v (attempts=%d retries=%d)\n", provider, status, time.Since(start).Round(time.Millisecond), outcome.Attempts, outcome.RetryCount)
		for _, reason := range outcome.Reasons {
			fmt.Printf("    rejected: %s\n", reason)
		}
		fmt.Println(outcome.Text)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
