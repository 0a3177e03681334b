package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const knowledgeKeyPrefix = "rag:docs:"

// Document is one knowledge article before chunking.
type Document struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// KnowledgeSource supplies documents for the local index.
type KnowledgeSource interface {
	LoadDocuments(ctx context.Context) ([]Document, error)
}

// StaticSource serves a fixed document set.
type StaticSource []Document

func (s StaticSource) LoadDocuments(context.Context) ([]Document, error) {
	return append([]Document(nil), s...), nil
}

// MultiSource concatenates several sources. It fails only when every source
// fails; partial failures are returned alongside the documents that loaded.
type MultiSource []KnowledgeSource

func (m MultiSource) LoadDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	var errs []error
	for _, src := range m {
		if src == nil {
			continue
		}
		d, err := src.LoadDocuments(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, d...)
	}
	if len(errs) > 0 && len(errs) == len(m) {
		return nil, errors.Join(errs...)
	}
	return docs, errors.Join(errs...)
}

// RedisKnowledgeRepository stores knowledge documents as JSON in one Redis
// list per topic.
type RedisKnowledgeRepository struct {
	client *redis.Client
}

// NewRedisKnowledgeRepository creates a Redis-backed knowledge repo.
func NewRedisKnowledgeRepository(client *redis.Client) *RedisKnowledgeRepository {
	if client == nil {
		panic("retrieval: redis client cannot be nil")
	}
	return &RedisKnowledgeRepository{client: client}
}

// AppendDocuments pushes documents onto the topic's list.
func (r *RedisKnowledgeRepository) AppendDocuments(ctx context.Context, topic string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	args, err := encodeDocuments(docs)
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, knowledgeKey(topic), args...).Err(); err != nil {
		return fmt.Errorf("retrieval: push knowledge: %w", err)
	}
	return nil
}

// ReplaceDocuments overwrites the topic's documents atomically.
func (r *RedisKnowledgeRepository) ReplaceDocuments(ctx context.Context, topic string, docs []Document) error {
	args, err := encodeDocuments(docs)
	if err != nil {
		return err
	}
	key := knowledgeKey(topic)
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(args) > 0 {
		pipe.RPush(ctx, key, args...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retrieval: replace knowledge: %w", err)
	}
	return nil
}

// GetDocuments returns one topic's documents.
func (r *RedisKnowledgeRepository) GetDocuments(ctx context.Context, topic string) ([]Document, error) {
	raw, err := r.client.LRange(ctx, knowledgeKey(topic), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("retrieval: fetch knowledge %s: %w", topic, err)
	}
	return decodeDocuments(topic, raw), nil
}

// LoadDocuments returns every topic's documents, topics in name order.
func (r *RedisKnowledgeRepository) LoadDocuments(ctx context.Context) ([]Document, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, knowledgeKeyPrefix+"*", 50).Result()
		if err != nil {
			return nil, fmt.Errorf("retrieval: scan knowledge keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)

	var docs []Document
	for _, key := range keys {
		topic := strings.TrimPrefix(key, knowledgeKeyPrefix)
		d, err := r.GetDocuments(ctx, topic)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d...)
	}
	return docs, nil
}

func encodeDocuments(docs []Document) ([]any, error) {
	args := make([]any, 0, len(docs))
	for _, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("retrieval: encode document %s: %w", d.ID, err)
		}
		args = append(args, string(b))
	}
	return args, nil
}

// decodeDocuments accepts JSON entries and falls back to treating a raw entry
// as plain text.
func decodeDocuments(topic string, raw []string) []Document {
	docs := make([]Document, 0, len(raw))
	for i, entry := range raw {
		var d Document
		if err := json.Unmarshal([]byte(entry), &d); err != nil || strings.TrimSpace(d.Content) == "" {
			d = Document{Title: topic, Content: entry}
		}
		if d.ID == "" {
			d.ID = fmt.Sprintf("%s#%d", topic, i)
		}
		docs = append(docs, d)
	}
	return docs
}

func knowledgeKey(topic string) string {
	return knowledgeKeyPrefix + topic
}
