package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

type countingSource struct {
	docs  []Document
	err   error
	loads atomic.Int32
}

func (c *countingSource) LoadDocuments(context.Context) ([]Document, error) {
	c.loads.Add(1)
	return c.docs, c.err
}

func sfbtDocs() []Document {
	return []Document{
		{ID: "miracle", Title: "奇迹问题", Content: "假如今晚发生了一个奇迹，明天醒来你会注意到什么不同？"},
		{ID: "scaling", Title: "量表问题", Content: "如果用1到10分来打分，你现在在几分？"},
		{ID: "exception", Title: "例外问题", Content: "有没有哪一次，问题没有发生或者轻一些？"},
	}
}

func TestLocalIndex_SearchReturnsTopK(t *testing.T) {
	src := &countingSource{docs: sfbtDocs()}
	idx := NewLocalIndex(src, NewEmbeddingStrategy(nil, nil, logging.Discard()), logging.Discard())

	snips, err := idx.Search(context.Background(), "奇迹问题", 2)
	require.NoError(t, err)
	require.Len(t, snips, 2)
	for _, s := range snips {
		assert.Equal(t, SourceLocal, s.Source)
		assert.NotEmpty(t, s.Text)
		assert.NotEmpty(t, s.Provenance)
	}

	snips, err = idx.Search(context.Background(), "anything", 10)
	require.NoError(t, err)
	assert.Len(t, snips, 3, "k is capped at the collection size")
	assert.EqualValues(t, 1, src.loads.Load(), "index is built once")
}

func TestLocalIndex_ConcurrentFirstQueriesShareBuild(t *testing.T) {
	src := &countingSource{docs: sfbtDocs()}
	idx := NewLocalIndex(src, nil, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := idx.Search(context.Background(), "量表", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.loads.Load(), int32(2))
}

func TestLocalIndex_RebuildsAfterEmbeddingSwitch(t *testing.T) {
	src := &countingSource{docs: sfbtDocs()}
	primary := &scriptedEmbedder{name: "primary"}
	strategy := NewEmbeddingStrategy(primary, nil, logging.Discard())
	idx := NewLocalIndex(src, strategy, logging.Discard())

	_, err := idx.Search(context.Background(), "奇迹", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.loads.Load())

	primary.err = errors.New("endpoint gone")
	snips, err := idx.Search(context.Background(), "奇迹", 1)
	require.NoError(t, err)
	assert.Len(t, snips, 1)
	assert.EqualValues(t, 2, src.loads.Load(), "new embedding variant forces a rebuild")
}

// batchFailingEmbedder answers single-text queries but fails bulk requests,
// so the strategy switches variants in the middle of an index build.
type batchFailingEmbedder struct{}

func (batchFailingEmbedder) Name() string { return "batch-failing" }

func (batchFailingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) > 1 {
		return nil, errors.New("batch quota exceeded")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestLocalIndex_FirstQueryAfterSwitchDuringBuild(t *testing.T) {
	src := &countingSource{docs: sfbtDocs()}
	strategy := NewEmbeddingStrategy(batchFailingEmbedder{}, nil, logging.Discard())
	idx := NewLocalIndex(src, strategy, logging.Discard())

	snips, err := idx.Search(context.Background(), "奇迹问题", 1)
	require.NoError(t, err)
	assert.Len(t, snips, 1)
	assert.EqualValues(t, 1, strategy.Generation())
	assert.EqualValues(t, 1, src.loads.Load())

	snips, err = idx.Search(context.Background(), "量表问题", 1)
	require.NoError(t, err)
	assert.Len(t, snips, 1)
	assert.EqualValues(t, 1, src.loads.Load(), "index built with the fallback is reused")
}

func TestLocalIndex_EmptyAndFailingSources(t *testing.T) {
	idx := NewLocalIndex(StaticSource(nil), nil, logging.Discard())
	snips, err := idx.Search(context.Background(), "hi", 3)
	require.NoError(t, err)
	assert.Empty(t, snips)

	idx = NewLocalIndex(&countingSource{err: errors.New("redis down")}, nil, logging.Discard())
	_, err = idx.Search(context.Background(), "hi", 3)
	assert.ErrorContains(t, err, "redis down")
}

func TestLocalIndex_Invalidate(t *testing.T) {
	src := &countingSource{docs: sfbtDocs()}
	idx := NewLocalIndex(src, nil, logging.Discard())
	_, _ = idx.Search(context.Background(), "x", 1)
	idx.Invalidate()
	_, _ = idx.Search(context.Background(), "x", 1)
	assert.EqualValues(t, 2, src.loads.Load())
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("   ", 100))

	short := "第一段。\n\n第二段。"
	assert.Equal(t, []string{short}, chunkText(short, 100))

	paras := strings.Repeat("甲", 60) + "\n\n" + strings.Repeat("乙", 60)
	assert.Len(t, chunkText(paras, 100), 2)

	long := strings.Repeat("字", 250)
	chunks := chunkText(long, 100)
	require.Len(t, chunks, 4)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 100)
	}
}
