package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openai "github.com/sashabaranov/go-openai"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// HashEmbeddingDim is the dimension of the deterministic hash embedding.
const HashEmbeddingDim = 256

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// HashEmbedder derives a vector from a SHA-256 chain of the text. It carries
// no semantics but is deterministic and never fails.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a hash embedder; dim <= 0 uses HashEmbeddingDim.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = HashEmbeddingDim
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Name() string { return "hash" }

func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	digest := sha256.Sum256([]byte(text))
	buf := make([]byte, 0, h.dim+sha256.Size)
	for len(buf) < h.dim {
		digest = sha256.Sum256(digest[:])
		buf = append(buf, digest[:]...)
	}
	vec := make([]float32, h.dim)
	for i := range vec {
		vec[i] = float32(buf[i]) / 255
	}
	return vec
}

type bedrockInvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockEmbedder calls a Titan-style embedding model through InvokeModel.
type BedrockEmbedder struct {
	api     bedrockInvokeModelAPI
	modelID string
}

func NewBedrockEmbedder(api bedrockInvokeModelAPI, modelID string) *BedrockEmbedder {
	if api == nil {
		panic("retrieval: bedrock runtime client cannot be nil")
	}
	return &BedrockEmbedder{api: api, modelID: modelID}
}

func (b *BedrockEmbedder) Name() string { return "bedrock:" + b.modelID }

func (b *BedrockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if strings.TrimSpace(b.modelID) == "" {
		return nil, errors.New("retrieval: bedrock embedding model id is required")
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		payload, err := json.Marshal(map[string]any{"inputText": text})
		if err != nil {
			return nil, fmt.Errorf("retrieval: embedding request marshal: %w", err)
		}
		resp, err := b.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(b.modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        payload,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval: bedrock embed: %w", err)
		}
		var decoded struct {
			Embedding []float64 `json:"embedding"`
		}
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, fmt.Errorf("retrieval: embedding response parse: %w", err)
		}
		if len(decoded.Embedding) == 0 {
			return nil, errors.New("retrieval: embedding response was empty")
		}
		vec := make([]float32, len(decoded.Embedding))
		for i, f := range decoded.Embedding {
			vec[i] = float32(f)
		}
		out = append(out, vec)
	}
	return out, nil
}

type openAIEmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, request openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client openAIEmbeddingAPI
	model  string
}

func NewOpenAIEmbedder(client openAIEmbeddingAPI, model string) *OpenAIEmbedder {
	if client == nil {
		panic("retrieval: openai client cannot be nil")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: client, model: model}
}

func (o *OpenAIEmbedder) Name() string { return "openai:" + o.model }

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, &openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.New("retrieval: embedding response size mismatch")
	}
	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, errors.New("retrieval: embedding response index out of range")
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

// EmbeddingStrategy prefers a primary embedder and switches permanently to a
// fallback on the first primary failure. Generation increments on the switch
// so vector indexes built with the old variant know to rebuild.
type EmbeddingStrategy struct {
	primary  Embedder
	fallback Embedder
	logger   *logging.Logger

	mu         sync.RWMutex
	switched   bool
	generation uint64
}

// NewEmbeddingStrategy builds a strategy. A nil primary uses the fallback
// directly; a nil fallback defaults to the hash embedder.
func NewEmbeddingStrategy(primary, fallback Embedder, logger *logging.Logger) *EmbeddingStrategy {
	if fallback == nil {
		fallback = NewHashEmbedder(HashEmbeddingDim)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EmbeddingStrategy{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		switched: primary == nil,
	}
}

// Generation identifies the active variant.
func (s *EmbeddingStrategy) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Name reports the active embedder.
func (s *EmbeddingStrategy) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.switched {
		return s.fallback.Name()
	}
	return s.primary.Name()
}

// Embed returns vectors from the active variant. A cancelled context does not
// trigger the permanent switch; that call alone is served by the fallback.
func (s *EmbeddingStrategy) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, _, err := s.EmbedWithGeneration(ctx, texts)
	return vecs, err
}

// EmbedWithGeneration also reports which variant produced the vectors.
func (s *EmbeddingStrategy) EmbedWithGeneration(ctx context.Context, texts []string) ([][]float32, uint64, error) {
	s.mu.RLock()
	switched, gen := s.switched, s.generation
	s.mu.RUnlock()

	if !switched {
		vecs, err := s.primary.Embed(ctx, texts)
		if err == nil && len(vecs) == len(texts) {
			return vecs, gen, nil
		}
		if err == nil {
			err = errors.New("embedding count mismatch")
		}
		if ctx.Err() == nil {
			gen = s.switchToFallback(err)
		} else {
			// Fallback vectors belong to the post-switch generation.
			vecs, ferr := s.fallback.Embed(ctx, texts)
			return vecs, gen + 1, ferr
		}
	}
	vecs, err := s.fallback.Embed(ctx, texts)
	return vecs, gen, err
}

func (s *EmbeddingStrategy) switchToFallback(cause error) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.switched {
		s.switched = true
		s.generation++
		s.logger.Warn("embedding primary failed; switching to fallback",
			"primary", s.primary.Name(), "fallback", s.fallback.Name(), "error", cause)
	}
	return s.generation
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// normalize returns v scaled to unit length; chromem ranks by dot product.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
