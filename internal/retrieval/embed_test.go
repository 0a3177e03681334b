package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	h := NewHashEmbedder(0)
	a, err := h.Embed(context.Background(), []string{"你好", "你好", "再见"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Len(t, a[0], HashEmbeddingDim)
	assert.Equal(t, a[0], a[1])
	assert.NotEqual(t, a[0], a[2])
	for _, v := range a[0] {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
}

type scriptedEmbedder struct {
	name  string
	err   error
	calls int
}

func (s *scriptedEmbedder) Name() string { return s.name }

func (s *scriptedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestEmbeddingStrategy_SwitchesPermanently(t *testing.T) {
	primary := &scriptedEmbedder{name: "primary", err: errors.New("throttled")}
	s := NewEmbeddingStrategy(primary, nil, logging.Discard())
	assert.Equal(t, "primary", s.Name())
	assert.Zero(t, s.Generation())

	vecs, gen, err := s.EmbedWithGeneration(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Len(t, vecs[0], HashEmbeddingDim)
	assert.EqualValues(t, 1, gen)
	assert.Equal(t, "hash", s.Name())

	primary.err = nil
	_, err = s.Embed(context.Background(), []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls, "primary is not retried after the switch")
	assert.EqualValues(t, 1, s.Generation())
}

func TestEmbeddingStrategy_CancelledContextDoesNotSwitch(t *testing.T) {
	primary := &scriptedEmbedder{name: "primary", err: context.Canceled}
	s := NewEmbeddingStrategy(primary, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	vecs, gen, err := s.EmbedWithGeneration(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.EqualValues(t, 1, gen)
	assert.Zero(t, s.Generation())
	assert.Equal(t, "primary", s.Name())
}

func TestEmbeddingStrategy_NoPrimaryUsesFallback(t *testing.T) {
	s := NewEmbeddingStrategy(nil, nil, logging.Discard())
	assert.Equal(t, "hash", s.Name())
	_, err := s.Embed(context.Background(), []string{"x"})
	assert.NoError(t, err)
}

type fakeInvokeModel struct {
	inputs []*bedrockruntime.InvokeModelInput
	err    error
}

func (f *fakeInvokeModel) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	body, _ := json.Marshal(map[string]any{"embedding": []float64{0.5, -0.25}})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func TestBedrockEmbedder(t *testing.T) {
	api := &fakeInvokeModel{}
	e := NewBedrockEmbedder(api, "amazon.titan-embed-text-v2:0")

	vecs, err := e.Embed(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5, -0.25}, {0.5, -0.25}}, vecs)
	require.Len(t, api.inputs, 2)
	assert.Equal(t, "amazon.titan-embed-text-v2:0", aws.ToString(api.inputs[0].ModelId))
	assert.JSONEq(t, `{"inputText":"one"}`, string(api.inputs[0].Body))

	_, err = NewBedrockEmbedder(api, "").Embed(context.Background(), []string{"x"})
	assert.Error(t, err)

	api.err = errors.New("AccessDenied")
	_, err = e.Embed(context.Background(), []string{"x"})
	assert.ErrorContains(t, err, "AccessDenied")
}

type fakeOpenAIEmbeddings struct {
	req openai.EmbeddingRequest
}

func (f *fakeOpenAIEmbeddings) CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.req = conv.Convert()
	inputs, _ := f.req.Input.([]string)
	resp := openai.EmbeddingResponse{}
	// Reply out of order to exercise index placement.
	for i := len(inputs) - 1; i >= 0; i-- {
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: []float32{float32(i)}})
	}
	return resp, nil
}

func TestOpenAIEmbedder(t *testing.T) {
	api := &fakeOpenAIEmbeddings{}
	e := NewOpenAIEmbedder(api, "")

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0}, {1}, {2}}, vecs)
	assert.Equal(t, openai.SmallEmbedding3, api.req.Model)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity(nil, nil))
}
