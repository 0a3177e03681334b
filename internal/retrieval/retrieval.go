// Package retrieval gathers grounding snippets from the local knowledge
// index and from web search, and packs them into a bounded context block.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AdrianFeng10086/RuralCareAI/internal/observability/metrics"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

var retrievalTracer = otel.Tracer("ruralcare/retrieval")

const (
	SourceLocal = "local-index"
	SourceWeb   = "web"
)

// DefaultCharBudget bounds the merged block when no budget is configured.
const DefaultCharBudget = 1800

const blockSeparator = "\n\n"

// Snippet is one piece of grounding text.
type Snippet struct {
	Source     string  `json:"source"`
	Title      string  `json:"title,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Provenance string  `json:"provenance,omitempty"`
}

// Searcher is a retrieval source.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
}

// Query is a retrieval request. Web overrides the merger's default web toggle.
type Query struct {
	Text     string
	Web      *bool
	Progress func(string)
}

// Result is the merged retrieval output. Block never exceeds the budget.
type Result struct {
	Block        string            `json:"block"`
	Snippets     []Snippet         `json:"snippets"`
	Provenance   []string          `json:"provenance"`
	SourceErrors map[string]string `json:"source_errors,omitempty"`
}

// Empty reports whether nothing was retrieved.
func (r Result) Empty() bool { return r.Block == "" }

// MergerConfig tunes source fan-out and packing.
type MergerConfig struct {
	CharBudget   int
	LocalTopK    int
	WebTopK      int
	LocalTimeout time.Duration
	WebTimeout   time.Duration
	WebDefault   bool
}

// Merger queries the enabled sources concurrently and merges their snippets.
type Merger struct {
	local   Searcher
	web     Searcher
	cfg     MergerConfig
	logger  *logging.Logger
	metrics *metrics.DialogueMetrics
}

// NewMerger builds a merger. A nil searcher disables that source.
func NewMerger(local, web Searcher, cfg MergerConfig, logger *logging.Logger, m *metrics.DialogueMetrics) *Merger {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.CharBudget <= 0 {
		cfg.CharBudget = DefaultCharBudget
	}
	if cfg.LocalTopK <= 0 {
		cfg.LocalTopK = 3
	}
	if cfg.WebTopK <= 0 {
		cfg.WebTopK = 1
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = 3 * time.Second
	}
	if cfg.WebTimeout <= 0 {
		cfg.WebTimeout = 10 * time.Second
	}
	return &Merger{local: local, web: web, cfg: cfg, logger: logger, metrics: m}
}

type sourceJob struct {
	searcher Searcher
	k        int
	timeout  time.Duration
}

type sourceOutcome struct {
	name     string
	snippets []Snippet
	err      error
}

// Retrieve never fails: source errors and timeouts are recorded on the result
// and the remaining sources are still merged.
func (m *Merger) Retrieve(ctx context.Context, q Query) Result {
	ctx, span := retrievalTracer.Start(ctx, "retrieval.merge")
	defer span.End()

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Result{}
	}

	var jobs []sourceJob
	if m.local != nil {
		jobs = append(jobs, sourceJob{searcher: m.local, k: m.cfg.LocalTopK, timeout: m.cfg.LocalTimeout})
	}
	webEnabled := m.cfg.WebDefault
	if q.Web != nil {
		webEnabled = *q.Web
	}
	if m.web != nil && webEnabled {
		jobs = append(jobs, sourceJob{searcher: m.web, k: m.cfg.WebTopK, timeout: m.cfg.WebTimeout})
	}
	span.SetAttributes(attribute.Int("retrieval.sources", len(jobs)))
	if len(jobs) == 0 {
		return Result{}
	}

	outcomes := make([]sourceOutcome, len(jobs))
	p := pool.New().WithMaxGoroutines(len(jobs))
	for i, job := range jobs {
		p.Go(func() {
			outcomes[i] = m.query(ctx, job, text, q.Progress)
		})
	}
	p.Wait()

	var all []Snippet
	var sourceErrors map[string]string
	for _, o := range outcomes {
		if o.err != nil {
			if sourceErrors == nil {
				sourceErrors = make(map[string]string)
			}
			sourceErrors[o.name] = o.err.Error()
			continue
		}
		all = append(all, o.snippets...)
	}

	res := Pack(all, m.cfg.CharBudget)
	res.SourceErrors = sourceErrors
	span.SetAttributes(attribute.Int("retrieval.snippets", len(res.Snippets)))
	return res
}

func (m *Merger) query(ctx context.Context, job sourceJob, text string, progress func(string)) sourceOutcome {
	name := job.searcher.Name()
	out := sourceOutcome{name: name}
	if progress != nil {
		progress(progressMessage(name))
	}

	sctx, cancel := context.WithTimeout(ctx, job.timeout)
	defer cancel()

	start := time.Now()
	snips, err := job.searcher.Search(sctx, text, job.k)
	switch {
	case err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded):
		out.err = fmt.Errorf("%s: timed out after %s", name, job.timeout)
		m.metrics.ObserveRetrievalSource(name, "timeout")
	case err != nil:
		out.err = err
		m.metrics.ObserveRetrievalSource(name, "error")
	case len(snips) == 0:
		m.metrics.ObserveRetrievalSource(name, "empty")
	default:
		out.snippets = snips
		m.metrics.ObserveRetrievalSource(name, "ok")
	}
	if out.err != nil {
		m.logger.Warn("retrieval source failed", "source", name, "error", out.err)
	} else {
		m.logger.Debug("retrieval source done", "source", name, "snippets", len(snips), "elapsed_ms", time.Since(start).Milliseconds())
	}
	return out
}

func progressMessage(source string) string {
	switch source {
	case SourceWeb:
		return "正在搜索相关网页..."
	case SourceLocal:
		return "正在检索本地知识库..."
	default:
		return "正在检索 " + source + "..."
	}
}

// Pack drops empty snippets, de-duplicates by normalized text keeping the
// higher score, sorts by score and greedily fills budget runes. Snippets are
// never split; a separator between kept snippets counts toward the budget.
func Pack(snippets []Snippet, budget int) Result {
	if budget <= 0 {
		budget = DefaultCharBudget
	}

	index := make(map[string]int, len(snippets))
	var unique []Snippet
	for _, s := range snippets {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		key := normalizeText(s.Text)
		if i, ok := index[key]; ok {
			if s.Score > unique[i].Score {
				unique[i] = s
			}
			continue
		}
		index[key] = len(unique)
		unique = append(unique, s)
	}
	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Score > unique[j].Score
	})

	var res Result
	var b strings.Builder
	used := 0
	sepLen := utf8.RuneCountInString(blockSeparator)
	for _, s := range unique {
		cost := utf8.RuneCountInString(s.Text)
		if len(res.Snippets) > 0 {
			cost += sepLen
		}
		if used+cost > budget {
			continue
		}
		if len(res.Snippets) > 0 {
			b.WriteString(blockSeparator)
		}
		b.WriteString(s.Text)
		used += cost
		res.Snippets = append(res.Snippets, s)
		if s.Provenance != "" {
			res.Provenance = append(res.Provenance, s.Provenance)
		}
	}
	res.Block = b.String()
	return res
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
