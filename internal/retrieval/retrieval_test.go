package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

type stubSearcher struct {
	name     string
	snippets []Snippet
	err      error
	delay    time.Duration
	calls    atomic.Int32
	lastK    atomic.Int32
}

func (s *stubSearcher) Name() string { return s.name }

func (s *stubSearcher) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	s.calls.Add(1)
	s.lastK.Store(int32(k))
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.snippets, s.err
}

func boolPtr(v bool) *bool { return &v }

// topicEmbedder places the query and any text containing favour on the same
// axis, so ranking puts favour-matching candidates first.
type topicEmbedder struct {
	favour string
}

func (e *topicEmbedder) Name() string { return "topic" }

func (e *topicEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if i == 0 || strings.Contains(text, e.favour) {
			out[i] = []float32{1, 0}
			continue
		}
		out[i] = []float32{0, 1}
	}
	return out, nil
}

func TestPack_RespectsBudgetWithSeparators(t *testing.T) {
	snips := []Snippet{
		{Source: SourceLocal, Text: strings.Repeat("甲", 10), Score: 0.9, Provenance: "a"},
		{Source: SourceLocal, Text: strings.Repeat("乙", 10), Score: 0.8, Provenance: "b"},
		{Source: SourceLocal, Text: strings.Repeat("丙", 3), Score: 0.1, Provenance: "c"},
	}

	// 10 + 2 + 10 = 22 > 21, so the second is skipped but the short third fits.
	res := Pack(snips, 21)
	require.Len(t, res.Snippets, 2)
	assert.Equal(t, []string{"a", "c"}, res.Provenance)
	assert.Equal(t, strings.Repeat("甲", 10)+"\n\n"+strings.Repeat("丙", 3), res.Block)
	assert.LessOrEqual(t, utf8.RuneCountInString(res.Block), 21)

	res = Pack(snips, 22)
	assert.Equal(t, []string{"a", "b"}, res.Provenance)
	assert.Equal(t, 22, utf8.RuneCountInString(res.Block))
}

func TestPack_DedupKeepsHigherScoreAndDropsEmpty(t *testing.T) {
	res := Pack([]Snippet{
		{Source: SourceWeb, Text: "Talk  to a trusted adult", Score: 0.2, Provenance: "web"},
		{Source: SourceLocal, Text: "talk to a TRUSTED adult", Score: 0.7, Provenance: "local"},
		{Source: SourceLocal, Text: "   ", Score: 1},
		{Source: SourceLocal, Text: "breathing exercise", Score: 0.5, Provenance: "x"},
	}, 1000)

	require.Len(t, res.Snippets, 2)
	assert.Equal(t, "local", res.Snippets[0].Provenance)
	assert.Equal(t, "x", res.Snippets[1].Provenance)
}

func TestPack_NeverSplitsOversizedSnippet(t *testing.T) {
	res := Pack([]Snippet{{Text: strings.Repeat("长", 50), Score: 1}}, 10)
	assert.True(t, res.Empty())
	assert.Empty(t, res.Snippets)
}

func TestMerger_AllSourcesDisabled(t *testing.T) {
	web := &stubSearcher{name: SourceWeb, snippets: []Snippet{{Text: "x", Score: 1}}}
	m := NewMerger(nil, web, MergerConfig{WebDefault: false}, logging.Discard(), nil)

	res := m.Retrieve(context.Background(), Query{Text: "我很孤单"})
	assert.True(t, res.Empty())
	assert.Zero(t, web.calls.Load())

	m = NewMerger(nil, nil, MergerConfig{}, logging.Discard(), nil)
	assert.True(t, m.Retrieve(context.Background(), Query{Text: "hi", Web: boolPtr(true)}).Empty())
}

func TestMerger_MergesSourcesAndRecordsErrors(t *testing.T) {
	local := &stubSearcher{name: SourceLocal, snippets: []Snippet{
		{Source: SourceLocal, Text: "奇迹问题可以帮助孩子想象改变", Score: 0.6, Provenance: "doc-1"},
	}}
	web := &stubSearcher{name: SourceWeb, err: errors.New("bing: HTTP 503")}
	m := NewMerger(local, web, MergerConfig{LocalTopK: 2, WebDefault: true}, logging.Discard(), nil)

	res := m.Retrieve(context.Background(), Query{Text: "奇迹问题"})
	assert.Equal(t, "奇迹问题可以帮助孩子想象改变", res.Block)
	assert.Equal(t, []string{"doc-1"}, res.Provenance)
	assert.Contains(t, res.SourceErrors[SourceWeb], "503")
	assert.EqualValues(t, 2, local.lastK.Load())
}

func TestMerger_QueryOverridesWebDefault(t *testing.T) {
	web := &stubSearcher{name: SourceWeb, snippets: []Snippet{{Source: SourceWeb, Title: "留守儿童 心理", Text: "留守儿童需要陪伴", Score: 0.4, Provenance: "https://a.cn"}}}
	m := NewMerger(nil, web, MergerConfig{WebDefault: false}, logging.Discard(), nil)

	res := m.Retrieve(context.Background(), Query{Text: "留守儿童", Web: boolPtr(true)})
	assert.Equal(t, "留守儿童需要陪伴", res.Block)
	assert.EqualValues(t, 1, web.calls.Load())
}

func TestMerger_SourceTimeoutIsContained(t *testing.T) {
	local := &stubSearcher{name: SourceLocal, snippets: []Snippet{{Text: "fast", Score: 1}}}
	web := &stubSearcher{name: SourceWeb, delay: time.Second, snippets: []Snippet{{Text: "slow", Score: 1}}}
	m := NewMerger(local, web, MergerConfig{WebDefault: true, WebTimeout: 20 * time.Millisecond}, logging.Discard(), nil)

	start := time.Now()
	res := m.Retrieve(context.Background(), Query{Text: "hello"})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "fast", res.Block)
	assert.Contains(t, res.SourceErrors[SourceWeb], "timed out")
}

func TestMerger_RelevanceFilterRunsBeforeWebTopK(t *testing.T) {
	provider := &fakeProvider{name: "bing", results: []SERPResult{
		{Title: "今日天气预报", URL: "https://weather.cn/1", Snippet: "晴转多云，气温适宜"},
		{Title: "孩子被欺负怎么办", URL: "https://zhihu.com/q/2", Snippet: "先告诉信任的老师和家长"},
	}}
	embedder := NewEmbeddingStrategy(&topicEmbedder{favour: "天气"}, nil, logging.Discard())
	web := NewWebSearcher([]SearchProvider{provider}, embedder, WebConfig{RelevanceFilter: true}, logging.Discard())
	m := NewMerger(nil, web, MergerConfig{WebDefault: true, WebTopK: 1}, logging.Discard(), nil)

	res := m.Retrieve(context.Background(), Query{Text: "被欺负，怎么办"})
	require.Len(t, res.Snippets, 1)
	assert.Equal(t, "https://zhihu.com/q/2", res.Snippets[0].Provenance)
	assert.Contains(t, res.Block, "信任的老师")
}

func TestMerger_RelevanceFilterOffKeepsTopRanked(t *testing.T) {
	provider := &fakeProvider{name: "bing", results: []SERPResult{
		{Title: "今日天气预报", URL: "https://weather.cn/1", Snippet: "晴转多云"},
		{Title: "孩子被欺负怎么办", URL: "https://zhihu.com/q/2", Snippet: "告诉老师"},
	}}
	embedder := NewEmbeddingStrategy(&topicEmbedder{favour: "天气"}, nil, logging.Discard())
	web := NewWebSearcher([]SearchProvider{provider}, embedder, WebConfig{}, logging.Discard())
	m := NewMerger(nil, web, MergerConfig{WebDefault: true, WebTopK: 1}, logging.Discard(), nil)

	res := m.Retrieve(context.Background(), Query{Text: "被欺负，怎么办"})
	require.Len(t, res.Snippets, 1)
	assert.Equal(t, "https://weather.cn/1", res.Snippets[0].Provenance)
}

func TestMerger_ReportsProgress(t *testing.T) {
	local := &stubSearcher{name: SourceLocal}
	m := NewMerger(local, nil, MergerConfig{}, logging.Discard(), nil)

	var msgs []string
	m.Retrieve(context.Background(), Query{Text: "hi", Progress: func(s string) { msgs = append(msgs, s) }})
	assert.Equal(t, []string{"正在检索本地知识库..."}, msgs)
}
