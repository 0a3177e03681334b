package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AdrianFeng10086/RuralCareAI/internal/observability/metrics"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// Mode selects the output contract a reply must satisfy.
type Mode string

const (
	ModeStrictTemplate Mode = "strict-template"
	ModeRelaxed        Mode = "relaxed"
	ModeExplain        Mode = "explain"
)

// ParseMode accepts the configured mode names. Empty selects strict-template.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStrictTemplate:
		return ModeStrictTemplate, nil
	case ModeRelaxed:
		return ModeRelaxed, nil
	case ModeExplain:
		return ModeExplain, nil
	default:
		return "", fmt.Errorf("dialogue: unknown mode %q", s)
	}
}

type ValidationStatus string

const (
	StatusAccepted  ValidationStatus = "accepted"
	StatusRetryable ValidationStatus = "retryable"
	StatusRejected  ValidationStatus = "rejected"
)

// ValidationResult is the verdict on one candidate reply. Text is the
// cleaned user-facing reply when accepted.
type ValidationResult struct {
	Status      ValidationStatus
	Text        string
	Explanation string
	Reason      string
}

// State is a step of the generation loop.
type State string

const (
	StateRetrying State = "retrying"
	StateAccepted State = "accepted"
	StateFallback State = "fallback"
)

// Outcome is what the validator hands back for one turn. FinalState is
// either StateAccepted or StateFallback.
type Outcome struct {
	Text        string
	Explanation string
	Degraded    bool
	RetryCount  int
	Attempts    int
	Reasons     []string
	FinalState  State
}

const (
	DefaultMaxRetries      = 2
	defaultMinTemperature  = 0.3
	defaultTemperatureStep = 0.2
	defaultRelaxedMinRunes = 80
	defaultRelaxedMaxRunes = 1200
)

// RelaxedLength bounds a relaxed-mode reply in runes. The same value feeds
// the prompt's output contract and the validator.
type RelaxedLength struct {
	MinRunes int
	MaxRunes int
}

func (r RelaxedLength) withDefaults() RelaxedLength {
	if r.MinRunes <= 0 {
		r.MinRunes = defaultRelaxedMinRunes
	}
	if r.MaxRunes <= 0 {
		r.MaxRunes = defaultRelaxedMaxRunes
	}
	if r.MaxRunes < r.MinRunes {
		r.MaxRunes = r.MinRunes
	}
	return r
}

// ValidatorConfig tunes the retry loop and the relaxed contract. Zero
// values select defaults, except MaxRetries where a negative value disables
// retries.
type ValidatorConfig struct {
	MaxRetries      int
	MinTemperature  float32
	TemperatureStep float32
	Relaxed         RelaxedLength
	// AttemptTimeout bounds each backend call. Zero leaves only the caller's deadline.
	AttemptTimeout time.Duration
}

// OutputValidator drives an LLMClient until it produces a reply that
// satisfies the mode's contract, or gives up with a fallback.
type OutputValidator struct {
	client  LLMClient
	cfg     ValidatorConfig
	logger  *logging.Logger
	metrics *metrics.DialogueMetrics
}

func NewOutputValidator(client LLMClient, cfg ValidatorConfig, logger *logging.Logger, m *metrics.DialogueMetrics) *OutputValidator {
	if client == nil {
		panic("dialogue: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	switch {
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MinTemperature <= 0 {
		cfg.MinTemperature = defaultMinTemperature
	}
	if cfg.TemperatureStep <= 0 {
		cfg.TemperatureStep = defaultTemperatureStep
	}
	cfg.Relaxed = cfg.Relaxed.withDefaults()
	return &OutputValidator{client: client, cfg: cfg, logger: logger, metrics: m}
}

// Run generates, validates and retries. Only cancellation of ctx is
// returned as an error; every other failure ends in the fallback text.
func (v *OutputValidator) Run(ctx context.Context, req LLMRequest, fallback string) (Outcome, error) {
	var out Outcome
	attempt := req

	for {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		out.Attempts++
		resp, err := v.generate(ctx, attempt)
		if err != nil && ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		var res ValidationResult
		if err != nil {
			res = ValidationResult{Status: StatusRetryable, Reason: "backend error: " + err.Error()}
			v.metrics.ObserveGenerationAttempt(string(req.Mode), "error")
		} else {
			res = v.Validate(req.Mode, resp)
			v.metrics.ObserveGenerationAttempt(string(req.Mode), string(res.Status))
		}

		if res.Status == StatusAccepted {
			out.Text = res.Text
			out.Explanation = res.Explanation
			out.FinalState = StateAccepted
			return out, nil
		}

		out.Reasons = append(out.Reasons, res.Reason)
		v.logger.Debug("candidate reply failed validation", "mode", req.Mode, "attempt", out.Attempts, "status", res.Status, "reason", res.Reason)

		if res.Status == StatusRetryable && out.RetryCount < v.cfg.MaxRetries {
			out.RetryCount++
			attempt = v.corrected(req, resp.Text, res, err != nil, out.RetryCount)
			v.logger.Debug("regenerating reply", "state", StateRetrying, "retry", out.RetryCount, "temperature", attempt.Temperature)
			continue
		}
		break
	}

	out.Text = fallback
	out.Degraded = true
	out.FinalState = StateFallback
	return out, nil
}

func (v *OutputValidator) generate(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	if v.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.AttemptTimeout)
		defer cancel()
	}
	return v.client.Complete(ctx, req)
}

// corrected rebuilds the request for retry n from the original, so only the
// latest violation is carried forward.
func (v *OutputValidator) corrected(base LLMRequest, candidate string, res ValidationResult, backendErr bool, n int) LLMRequest {
	next := base
	next.Temperature = v.lowered(base.Temperature, n)
	if backendErr {
		return next
	}
	msgs := make([]ChatMessage, 0, len(base.Messages)+2)
	msgs = append(msgs, base.Messages...)
	if c := strings.TrimSpace(candidate); c != "" {
		msgs = append(msgs, ChatMessage{Role: ChatRoleAssistant, Content: c})
	}
	msgs = append(msgs, ChatMessage{Role: ChatRoleUser, Content: correctionMessage(base.Mode, res.Reason)})
	next.Messages = msgs
	return next
}

func (v *OutputValidator) lowered(t float32, n int) float32 {
	if t < 0 || t <= v.cfg.MinTemperature {
		return t
	}
	lowered := t - v.cfg.TemperatureStep*float32(n)
	if lowered < v.cfg.MinTemperature {
		return v.cfg.MinTemperature
	}
	return lowered
}

func correctionMessage(mode Mode, reason string) string {
	var b strings.Builder
	b.WriteString("上一条回复不符合输出要求：")
	b.WriteString(reason)
	b.WriteString("。请不要解释，直接重新回复孩子，")
	switch mode {
	case ModeExplain:
		b.WriteString("只输出一个 JSON 对象，包含非空的 answer 和 explanation 两个字段。")
	case ModeRelaxed:
		b.WriteString("用至少两句完整、温柔的中文。")
	default:
		b.WriteString("严格按照【共情】【肯定】【探索】【行动】【鼓励】五段顺序输出，【行动】里要有编号的小步骤。")
	}
	b.WriteString("不要提到检索、搜索结果、背景信息或网址。")
	return b.String()
}

// Validate checks one backend response against the mode's contract.
func (v *OutputValidator) Validate(mode Mode, resp LLMResponse) ValidationResult {
	text := StripReasoning(resp.Text)
	if text == "" {
		return retryable("empty reply")
	}

	var res ValidationResult
	switch mode {
	case ModeExplain:
		res = validateExplain(text)
	case ModeRelaxed:
		res = v.validateRelaxed(text, resp.StopReason)
	default:
		res = validateStrict(text)
	}
	if res.Status != StatusAccepted {
		return res
	}

	guard := ScanOutput(res.Text)
	switch {
	case guard.Block:
		return ValidationResult{Status: StatusRejected, Reason: strings.Join(guard.Reasons, ",")}
	case guard.Flagged():
		return retryable(strings.Join(guard.Reasons, ","))
	}
	return res
}

func retryable(reason string) ValidationResult {
	return ValidationResult{Status: StatusRetryable, Reason: reason}
}

type segment struct {
	zh string
	en string
}

var strictSegments = []segment{
	{"【共情】", "Empathy"},
	{"【肯定】", "Affirmation"},
	{"【探索】", "Exploration"},
	{"【行动】", "Action Steps"},
	{"【鼓励】", "Encouragement"},
}

const actionSegment = 3

var (
	segmentMarker = regexp.MustCompile(`【(共情|肯定|探索|行动|鼓励)】|(?im:^[ \t]*(Empathy|Affirmation|Exploration|Action Steps|Encouragement)[ \t]*[:：])`)
	numberedStep  = regexp.MustCompile(`(^|[\s：:，,。；;])(\d{1,2}[.、．)）]|[①②③④⑤⑥⑦⑧⑨⑩])`)
)

func segmentIndex(label string) int {
	for i, s := range strictSegments {
		if label == s.zh || strings.EqualFold(label, s.en) {
			return i
		}
	}
	return -1
}

func validateStrict(text string) ValidationResult {
	locs := segmentMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return retryable("no segment markers found, expected 5 segments")
	}
	if pre := strings.TrimSpace(text[:locs[0][0]]); pre != "" {
		return retryable("text before the first segment marker")
	}
	if len(locs) != len(strictSegments) {
		return retryable(fmt.Sprintf("expected 5 segments, found %d", len(locs)))
	}

	for i, loc := range locs {
		var label string
		switch {
		case loc[2] >= 0:
			label = "【" + text[loc[2]:loc[3]] + "】"
		case loc[4] >= 0:
			label = text[loc[4]:loc[5]]
		}
		if segmentIndex(label) != i {
			return retryable(fmt.Sprintf("segment %d should be %s", i+1, strictSegments[i].zh))
		}

		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(strings.TrimLeft(text[loc[1]:end], " \t:："))
		if body == "" {
			return retryable(fmt.Sprintf("segment %s is empty", strictSegments[i].zh))
		}
		if i == actionSegment && !numberedStep.MatchString(body) {
			return retryable("segment 【行动】 has no numbered step")
		}
	}
	return ValidationResult{Status: StatusAccepted, Text: text}
}

var (
	sentenceSplit = regexp.MustCompile(`[。！？!?.]+`)
	refusalMarker = regexp.MustCompile(`(?i)\b(error|exception|failed)\b|我无法|抱歉`)
)

func (v *OutputValidator) validateRelaxed(text, stopReason string) ValidationResult {
	if truncated(stopReason) {
		return retryable("reply was cut off at the token limit")
	}
	n := utf8.RuneCountInString(text)
	if n < v.cfg.Relaxed.MinRunes {
		return retryable(fmt.Sprintf("reply too short (%d chars, need %d)", n, v.cfg.Relaxed.MinRunes))
	}
	if n > v.cfg.Relaxed.MaxRunes {
		return retryable(fmt.Sprintf("reply too long (%d chars, max %d)", n, v.cfg.Relaxed.MaxRunes))
	}
	sentences := 0
	for _, part := range sentenceSplit.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			sentences++
		}
	}
	if sentences < 2 {
		return retryable("reply needs at least 2 sentences")
	}
	if refusalMarker.MatchString(text) {
		return retryable("reply contains a refusal or error marker")
	}
	return ValidationResult{Status: StatusAccepted, Text: text}
}

func truncated(stopReason string) bool {
	r := strings.ToLower(stopReason)
	return r == "length" || strings.Contains(r, "max_tokens") || strings.Contains(r, "maxtokens")
}

var codeFence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

func validateExplain(text string) ValidationResult {
	body := strings.TrimSpace(text)
	if m := codeFence.FindStringSubmatch(body); m != nil {
		body = m[1]
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return retryable("reply is not valid JSON")
		}
		return retryable("reply is not a JSON object")
	}
	answer, _ := payload["answer"].(string)
	explanation, _ := payload["explanation"].(string)
	answer, explanation = strings.TrimSpace(answer), strings.TrimSpace(explanation)
	switch {
	case answer == "":
		return retryable("JSON field answer is missing or empty")
	case explanation == "":
		return retryable("JSON field explanation is missing or empty")
	}
	return ValidationResult{Status: StatusAccepted, Text: answer, Explanation: explanation}
}
