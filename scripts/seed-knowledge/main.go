// Command seed-knowledge loads counselling knowledge documents from a JSON
// file into the Redis knowledge repository the local index reads from.
//
// Usage:
//
//	REDIS_ADDR=localhost:6379 go run ./scripts/seed-knowledge scripts/testdata/knowledge-sample.json
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/AdrianFeng10086/RuralCareAI/internal/app/bootstrap"
	appconfig "github.com/AdrianFeng10086/RuralCareAI/internal/config"
	"github.com/AdrianFeng10086/RuralCareAI/internal/retrieval"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

type knowledgeFile struct {
	Topic     string               `json:"topic"`
	Documents []retrieval.Document `json:"documents"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/seed-knowledge <knowledge-file.json> [--append]")
		os.Exit(1)
	}
	appendMode := len(os.Args) > 2 && os.Args[2] == "--append"

	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		os.Exit(1)
	}
	var kf knowledgeFile
	if err := json.Unmarshal(data, &kf); err != nil {
		fmt.Printf("Error parsing JSON: %v\n", err)
		os.Exit(1)
	}
	if kf.Topic == "" {
		kf.Topic = "general"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if client == nil {
		fmt.Println("Error: REDIS_ADDR is not set or Redis is unreachable")
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	repo := retrieval.NewRedisKnowledgeRepository(client)
	if appendMode {
		err = repo.AppendDocuments(ctx, kf.Topic, kf.Documents)
	} else {
		err = repo.ReplaceDocuments(ctx, kf.Topic, kf.Documents)
	}
	if err != nil {
		fmt.Printf("Error seeding knowledge: %v\n", err)
		os.Exit(1)
	}

	stored, err := repo.GetDocuments(ctx, kf.Topic)
	if err != nil {
		fmt.Printf("Error reading back knowledge: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Topic %q now holds %d documents\n", kf.Topic, len(stored))
}
