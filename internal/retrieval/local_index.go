package retrieval

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	chromem "github.com/philippgille/chromem-go"
	"golang.org/x/sync/singleflight"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const (
	collectionName   = "knowledge"
	defaultChunkSize = 400
	chunkOverlap     = 50
	indexBuildBudget = 2 * time.Minute
)

// LocalIndex is an in-memory vector index over chunked knowledge documents.
// It is built on first use and rebuilt when the embedding variant changes.
type LocalIndex struct {
	source    KnowledgeSource
	embedder  *EmbeddingStrategy
	chunkSize int
	logger    *logging.Logger
	group     singleflight.Group

	mu       sync.RWMutex
	coll     *chromem.Collection
	builtGen uint64
	built    bool
}

// NewLocalIndex creates an index over source.
func NewLocalIndex(source KnowledgeSource, embedder *EmbeddingStrategy, logger *logging.Logger) *LocalIndex {
	if source == nil {
		panic("retrieval: knowledge source cannot be nil")
	}
	if embedder == nil {
		embedder = NewEmbeddingStrategy(nil, nil, logger)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &LocalIndex{source: source, embedder: embedder, chunkSize: defaultChunkSize, logger: logger}
}

func (l *LocalIndex) Name() string { return SourceLocal }

// Invalidate forces a rebuild on the next search.
func (l *LocalIndex) Invalidate() {
	l.mu.Lock()
	l.built = false
	l.coll = nil
	l.mu.Unlock()
}

func (l *LocalIndex) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	vec, gen, err := l.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	coll, builtGen, err := l.collection(ctx, gen)
	if err != nil {
		return nil, err
	}
	if coll == nil {
		return nil, nil
	}
	if builtGen != gen {
		// The embedder switched variants while the index was being built.
		vec, gen, err = l.embedQuery(ctx, query)
		if err != nil {
			return nil, err
		}
		if gen != builtGen {
			return nil, fmt.Errorf("retrieval: query embedding generation %d does not match index generation %d", gen, builtGen)
		}
	}
	n := coll.Count()
	if n == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 3
	}
	if k > n {
		k = n
	}

	results, err := coll.QueryEmbedding(ctx, normalize(vec), k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieval: local query: %w", err)
	}
	out := make([]Snippet, 0, len(results))
	for _, r := range results {
		out = append(out, Snippet{
			Source:     SourceLocal,
			Title:      r.Metadata["title"],
			Text:       r.Content,
			Score:      float64(r.Similarity),
			Provenance: r.Metadata["doc_id"],
		})
	}
	return out, nil
}

func (l *LocalIndex) embedQuery(ctx context.Context, query string) ([]float32, uint64, error) {
	vecs, gen, err := l.embedder.EmbedWithGeneration(ctx, []string{query})
	if err != nil {
		return nil, 0, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, 0, errors.New("retrieval: embed query returned no vector")
	}
	return vecs[0], gen, nil
}

type builtIndex struct {
	coll *chromem.Collection
	gen  uint64
}

// collection returns the index for gen, building it if needed, along with
// the generation its vectors were actually embedded with.
func (l *LocalIndex) collection(ctx context.Context, gen uint64) (*chromem.Collection, uint64, error) {
	l.mu.RLock()
	if l.built && l.builtGen == gen {
		coll := l.coll
		l.mu.RUnlock()
		return coll, gen, nil
	}
	l.mu.RUnlock()

	// Concurrent first queries share one build.
	ch := l.group.DoChan(fmt.Sprintf("build-%d", gen), func() (any, error) {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), indexBuildBudget)
		defer cancel()
		return l.build(bctx)
	})
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, 0, res.Err
		}
		b, _ := res.Val.(builtIndex)
		return b.coll, b.gen, nil
	}
}

func (l *LocalIndex) build(ctx context.Context) (builtIndex, error) {
	start := time.Now()
	docs, err := l.source.LoadDocuments(ctx)
	if err != nil && len(docs) == 0 {
		return builtIndex{}, fmt.Errorf("retrieval: load knowledge: %w", err)
	}
	if err != nil {
		l.logger.Warn("some knowledge sources failed", "error", err)
	}

	var chromDocs []chromem.Document
	var texts []string
	for _, d := range docs {
		for i, chunk := range chunkText(d.Content, l.chunkSize) {
			content := chunk
			if d.Title != "" && i == 0 {
				content = d.Title + "\n" + chunk
			}
			chromDocs = append(chromDocs, chromem.Document{
				ID:       fmt.Sprintf("%s#%d", d.ID, i),
				Content:  content,
				Metadata: map[string]string{"title": d.Title, "doc_id": d.ID},
			})
			texts = append(texts, content)
		}
	}

	vecs, gen, err := l.embedder.EmbedWithGeneration(ctx, texts)
	if err != nil {
		return builtIndex{}, fmt.Errorf("retrieval: embed knowledge: %w", err)
	}
	if len(vecs) != len(chromDocs) {
		return builtIndex{}, errors.New("retrieval: embed knowledge: vector count mismatch")
	}
	for i := range chromDocs {
		chromDocs[i].Embedding = normalize(vecs[i])
	}

	db := chromem.NewDB()
	coll, err := db.CreateCollection(collectionName, nil, l.embedFunc())
	if err != nil {
		return builtIndex{}, fmt.Errorf("retrieval: create collection: %w", err)
	}
	if len(chromDocs) > 0 {
		if err := coll.AddDocuments(ctx, chromDocs, runtime.NumCPU()); err != nil {
			return builtIndex{}, fmt.Errorf("retrieval: index knowledge: %w", err)
		}
	}

	l.mu.Lock()
	l.coll = coll
	l.builtGen = gen
	l.built = true
	l.mu.Unlock()

	l.logger.Info("local knowledge index built",
		"documents", len(docs),
		"chunks", len(chromDocs),
		"embedder", l.embedder.Name(),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return builtIndex{coll: coll, gen: gen}, nil
}

func (l *LocalIndex) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := l.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, errors.New("retrieval: empty embedding")
		}
		return vecs[0], nil
	}
}

// chunkText packs paragraphs into chunks of at most size runes. Paragraphs
// longer than size are split with a small overlap.
func chunkText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= chunkOverlap {
		size = defaultChunkSize
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)
		if n > size {
			flush()
			runes := []rune(para)
			for start := 0; start < len(runes); start += size - chunkOverlap {
				end := min(start+size, len(runes))
				chunks = append(chunks, string(runes[start:end]))
				if end == len(runes) {
					break
				}
			}
			continue
		}
		if curLen > 0 && curLen+2+n > size {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(para)
		curLen += n
	}
	flush()
	return chunks
}
