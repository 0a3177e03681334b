package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// ErrWebCoolingDown is returned while the web searcher is backing off after
// every provider failed.
var ErrWebCoolingDown = errors.New("retrieval: web search cooling down")

const maxWebCandidates = 20

// cnAccessibleRoots are hosts reachable from mainland China without a proxy.
var cnAccessibleRoots = []string{"baidu.com", "bing.com", "zhihu.com"}

// SERPResult is one organic result parsed from a search engine page.
type SERPResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchProvider fetches result pages from one search engine.
type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, pages int) ([]SERPResult, error)
}

// WebConfig tunes the web searcher. With RelevanceFilter set, candidates
// matching fewer than RelevanceMinMatches query keywords are dropped before
// ranking.
type WebConfig struct {
	Pages               int
	CNOnly              bool
	Cooldown            time.Duration
	RelevanceFilter     bool
	RelevanceMinMatches int
}

// WebSearcher asks providers in order until one returns results, then
// re-ranks the candidates against the query by embedding similarity.
type WebSearcher struct {
	providers []SearchProvider
	embedder  *EmbeddingStrategy
	cfg       WebConfig
	logger    *logging.Logger
	now       func() time.Time

	mu            sync.Mutex
	disabledUntil time.Time
}

func NewWebSearcher(providers []SearchProvider, embedder *EmbeddingStrategy, cfg WebConfig, logger *logging.Logger) *WebSearcher {
	if logger == nil {
		logger = logging.Default()
	}
	if embedder == nil {
		embedder = NewEmbeddingStrategy(nil, nil, logger)
	}
	if cfg.Pages <= 0 {
		cfg.Pages = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.RelevanceMinMatches <= 0 {
		cfg.RelevanceMinMatches = 1
	}
	return &WebSearcher{providers: providers, embedder: embedder, cfg: cfg, logger: logger, now: time.Now}
}

// OrderProviders returns bing then baidu, or baidu first when preferred.
func OrderProviders(bing, baidu SearchProvider, preferBaidu bool) []SearchProvider {
	if preferBaidu {
		return []SearchProvider{baidu, bing}
	}
	return []SearchProvider{bing, baidu}
}

func (w *WebSearcher) Name() string { return SourceWeb }

func (w *WebSearcher) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	if w.coolingDown() {
		return nil, ErrWebCoolingDown
	}

	var candidates []SERPResult
	var errs []error
	for _, p := range w.providers {
		res, err := p.Search(ctx, query, w.cfg.Pages)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if len(res) > 0 {
			candidates = res
			w.logger.Debug("web search provider answered", "provider", p.Name(), "results", len(res))
			break
		}
	}
	if len(candidates) == 0 {
		w.startCooldown()
		if len(errs) == 0 {
			return nil, errors.New("retrieval: web search returned no results")
		}
		return nil, errors.Join(errs...)
	}
	w.clearCooldown()

	candidates = dedupeURLs(candidates, maxWebCandidates)
	if w.cfg.CNOnly {
		candidates = filterCNAccessible(candidates)
	}
	if w.cfg.RelevanceFilter {
		before := len(candidates)
		candidates = filterRelevant(query, candidates, w.cfg.RelevanceMinMatches)
		w.logger.Debug("web candidates filtered by keywords", "before", before, "after", len(candidates))
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return w.rank(ctx, query, candidates, k)
}

func (w *WebSearcher) rank(ctx context.Context, query string, candidates []SERPResult, k int) ([]Snippet, error) {
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, query)
	for _, c := range candidates {
		texts = append(texts, strings.TrimSpace(c.Title+" "+c.Snippet))
	}
	// One call keeps query and candidate vectors in the same variant.
	vecs, err := w.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed web candidates: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, errors.New("retrieval: embed web candidates: vector count mismatch")
	}

	out := make([]Snippet, 0, len(candidates))
	for i, c := range candidates {
		text := strings.TrimSpace(c.Snippet)
		if text == "" {
			text = strings.TrimSpace(c.Title)
		}
		out = append(out, Snippet{
			Source:     SourceWeb,
			Title:      c.Title,
			Text:       text,
			Score:      cosineSimilarity(vecs[0], vecs[i+1]),
			Provenance: c.URL,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (w *WebSearcher) coolingDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Before(w.disabledUntil)
}

func (w *WebSearcher) startCooldown() {
	w.mu.Lock()
	w.disabledUntil = w.now().Add(w.cfg.Cooldown)
	w.mu.Unlock()
	w.logger.Warn("web search failed on every provider; cooling down", "cooldown", w.cfg.Cooldown.String())
}

func (w *WebSearcher) clearCooldown() {
	w.mu.Lock()
	w.disabledUntil = time.Time{}
	w.mu.Unlock()
}

func dedupeURLs(in []SERPResult, limit int) []SERPResult {
	seen := make(map[string]struct{}, len(in))
	out := make([]SERPResult, 0, min(len(in), limit))
	for _, r := range in {
		if r.URL == "" {
			continue
		}
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func filterCNAccessible(in []SERPResult) []SERPResult {
	out := in[:0:0]
	for _, r := range in {
		if isCNAccessible(r.URL) {
			out = append(out, r)
		}
	}
	return out
}

func isCNAccessible(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host == "" {
		return false
	}
	if strings.HasSuffix(host, ".cn") {
		return true
	}
	for _, root := range cnAccessibleRoots {
		if host == root || strings.HasSuffix(host, "."+root) {
			return true
		}
	}
	return false
}
