package crisis

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

var crisisTracer = otel.Tracer("ruralcare/crisis-detector")

const excerptRadius = 40

// Source tells which side of a turn triggered the alert.
type Source string

const (
	SourceUser     Source = "user"
	SourceResponse Source = "response"
)

// Alert is a crisis record flagging one turn for human review.
type Alert struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	ChildID     string     `json:"child_id,omitempty"`
	TurnID      string     `json:"turn_id"`
	TurnOrdinal int        `json:"turn_ordinal"`
	Category    Category   `json:"category"`
	Categories  []Category `json:"categories"`
	Keywords    []string   `json:"keywords"`
	Excerpt     string     `json:"excerpt"`
	Severity    Severity   `json:"severity"`
	Summary     string     `json:"summary"`
	Source      Source     `json:"source"`
	CreatedAt   time.Time  `json:"created_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Hit is a single keyword match. Offset counts runes.
type Hit struct {
	Category Category
	Severity Severity
	Keyword  string
	Offset   int
}

// Input is the text of one turn plus the identifiers an alert must carry.
type Input struct {
	SessionID   string
	ChildID     string
	TurnID      string
	TurnOrdinal int
	UserMessage string
	Response    string
}

// Detector matches turn text against categorized keyword sets.
type Detector struct {
	rules         *Rules
	scanResponses bool
	logger        *logging.Logger
	now           func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithResponseScanning toggles scanning of generated responses.
func WithResponseScanning(enabled bool) Option {
	return func(d *Detector) { d.scanResponses = enabled }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDetector creates a detector. nil rules selects the embedded defaults.
func NewDetector(rules *Rules, logger *logging.Logger, opts ...Option) *Detector {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Detector{
		rules:         rules,
		scanResponses: true,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rules exposes the active rule set.
func (d *Detector) Rules() *Rules {
	return d.rules
}

// Scan returns every keyword hit in text, grouped by category priority and
// ordered by position within a category. It has no side effects.
func (d *Detector) Scan(text string) []Hit {
	return d.rules.Scan(text)
}

// Scan is the pure matcher behind Detector.Scan.
func (r *Rules) Scan(text string) []Hit {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	hay := lowerRunes(text)
	var hits []Hit
	for _, rule := range r.Categories {
		for i, needle := range rule.needles {
			if off := indexRunes(hay, needle); off >= 0 {
				hits = append(hits, Hit{
					Category: rule.Name,
					Severity: rule.Severity,
					Keyword:  rule.Keywords[i],
					Offset:   off,
				})
			}
		}
	}
	return hits
}

// Detect scans a turn and returns at most one alert; nil means no indicator matched.
func (d *Detector) Detect(ctx context.Context, in Input) *Alert {
	_, span := crisisTracer.Start(ctx, "crisis.detect")
	defer span.End()

	type sourcedHit struct {
		Hit
		source Source
	}
	var hits []sourcedHit
	for _, h := range d.Scan(in.UserMessage) {
		hits = append(hits, sourcedHit{Hit: h, source: SourceUser})
	}
	if d.scanResponses {
		for _, h := range d.Scan(in.Response) {
			hits = append(hits, sourcedHit{Hit: h, source: SourceResponse})
		}
	}
	if len(hits) == 0 {
		span.SetAttributes(attribute.Bool("crisis.detected", false))
		return nil
	}

	// User-message hits come first, so ties keep the user side.
	top := hits[0]
	for _, h := range hits[1:] {
		if d.priority(h.Category) < d.priority(top.Category) {
			top = h
		}
	}

	var categories []Category
	var keywords []string
	seenCat := make(map[Category]bool)
	seenKw := make(map[string]bool)
	for _, rule := range d.rules.Categories {
		for _, h := range hits {
			if h.Category != rule.Name {
				continue
			}
			if !seenCat[h.Category] {
				seenCat[h.Category] = true
				categories = append(categories, h.Category)
			}
			if !seenKw[h.Keyword] {
				seenKw[h.Keyword] = true
				keywords = append(keywords, h.Keyword)
			}
		}
	}

	text := in.UserMessage
	if top.source == SourceResponse {
		text = in.Response
	}
	alert := &Alert{
		ID:          uuid.NewString(),
		SessionID:   in.SessionID,
		ChildID:     in.ChildID,
		TurnID:      in.TurnID,
		TurnOrdinal: in.TurnOrdinal,
		Category:    top.Category,
		Categories:  categories,
		Keywords:    keywords,
		Excerpt:     excerpt(text, top.Offset, len([]rune(top.Keyword))),
		Severity:    top.Severity,
		Source:      top.source,
		CreatedAt:   d.now().UTC(),
	}
	alert.Summary = summarize(alert)

	span.SetAttributes(
		attribute.Bool("crisis.detected", true),
		attribute.String("crisis.category", string(alert.Category)),
		attribute.String("crisis.severity", string(alert.Severity)),
		attribute.Int("crisis.keyword_count", len(keywords)),
	)
	d.logger.Warn("crisis indicator detected",
		"session_id", in.SessionID,
		"turn_ordinal", in.TurnOrdinal,
		"category", alert.Category,
		"severity", alert.Severity,
		"source", alert.Source,
		"categories", len(categories),
	)
	return alert
}

func (d *Detector) priority(c Category) int {
	for _, rule := range d.rules.Categories {
		if rule.Name == c {
			return rule.Priority
		}
	}
	return int(^uint(0) >> 1)
}

func summarize(a *Alert) string {
	where := "user message"
	if a.Source == SourceResponse {
		where = "generated response"
	}
	summary := fmt.Sprintf("%s indicator (%s) in %s: %s", a.Category, a.Severity, where, strings.Join(a.Keywords, ", "))
	if len(a.Categories) > 1 {
		others := make([]string, 0, len(a.Categories)-1)
		for _, c := range a.Categories {
			if c != a.Category {
				others = append(others, string(c))
			}
		}
		summary += "; also " + strings.Join(others, ", ")
	}
	return summary
}

func excerpt(text string, offset, length int) string {
	runes := []rune(text)
	if offset < 0 || offset > len(runes) {
		offset = 0
	}
	start := offset - excerptRadius
	if start < 0 {
		start = 0
	}
	end := offset + length + excerptRadius
	if end > len(runes) {
		end = len(runes)
	}
	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}

func lowerRunes(s string) []rune {
	runes := []rune(s)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}
	return runes
}

func indexRunes(hay, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(hay) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j, r := range needle {
			if hay[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}
