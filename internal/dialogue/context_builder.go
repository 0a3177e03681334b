package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/internal/retrieval"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const DefaultHistoryRounds = 6

// SFBT stages in the order a conversation moves through them.
var sfbtStages = []string{"目标设定阶段", "例外探索阶段", "量表问题阶段", "奇迹问题阶段", "行动计划阶段"}

// Retriever supplies grounding text for a turn.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) retrieval.Result
}

// GenerationConfig is copied onto every request the builder produces.
type GenerationConfig struct {
	Model         string
	Temperature   float32
	ContextWindow int
	MaxTokens     int32
}

// BuilderConfig configures a ContextBuilder.
type BuilderConfig struct {
	HistoryRounds int
	Mode          Mode
	Relaxed       RelaxedLength
	Generation    GenerationConfig
}

// BuildInput is everything the builder needs for one turn.
type BuildInput struct {
	SessionID string
	ChildName string
	Message   string
	// Web overrides the merger's default for web retrieval.
	Web *bool
	// Crisis holds pre-scan hits on the user message.
	Crisis   []crisis.Hit
	Progress func(string)
}

// Prompt is the composed generation input.
type Prompt struct {
	System   []string
	Messages []ChatMessage
}

// Render flattens the prompt into one deterministic text.
func (p Prompt) Render() string {
	var b strings.Builder
	for _, s := range p.System {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	for _, m := range p.Messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ConversationContext is the assembled input for one generation.
type ConversationContext struct {
	SessionID string
	History   []store.Turn
	Retrieval retrieval.Result
	Stage     string
	Hint      string
	Crisis    bool
	Mode      Mode
	Prompt    Prompt
	// HistoryError is set when past turns could not be loaded.
	HistoryError error

	gen GenerationConfig
}

// Request turns the context into a backend request.
func (c ConversationContext) Request() LLMRequest {
	return LLMRequest{
		Model:         c.gen.Model,
		System:        c.Prompt.System,
		Messages:      c.Prompt.Messages,
		Temperature:   c.gen.Temperature,
		ContextWindow: c.gen.ContextWindow,
		MaxTokens:     c.gen.MaxTokens,
		Mode:          c.Mode,
	}
}

// ContextBuilder assembles history, retrieval and guidance into a prompt.
type ContextBuilder struct {
	turns     store.TurnStore
	retriever Retriever
	cfg       BuilderConfig
	logger    *logging.Logger
}

func NewContextBuilder(turns store.TurnStore, retriever Retriever, cfg BuilderConfig, logger *logging.Logger) *ContextBuilder {
	if turns == nil {
		panic("dialogue: turn store cannot be nil")
	}
	if cfg.HistoryRounds <= 0 {
		cfg.HistoryRounds = DefaultHistoryRounds
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStrictTemplate
	}
	cfg.Relaxed = cfg.Relaxed.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &ContextBuilder{turns: turns, retriever: retriever, cfg: cfg, logger: logger}
}

// Mode reports the contract the builder composes prompts for.
func (b *ContextBuilder) Mode() Mode {
	return b.cfg.Mode
}

// Build loads history, retrieves grounding and composes the prompt. A failed
// history read degrades to an empty history; only cancellation is an error.
func (b *ContextBuilder) Build(ctx context.Context, in BuildInput) (ConversationContext, error) {
	cc := ConversationContext{SessionID: in.SessionID, Mode: b.cfg.Mode, Crisis: len(in.Crisis) > 0, gen: b.cfg.Generation}

	history, err := b.turns.LoadRecentTurns(ctx, in.SessionID, b.cfg.HistoryRounds)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ConversationContext{}, ctxErr
		}
		b.logger.Warn("history unavailable, continuing without it", "session_id", in.SessionID, "error", err)
		cc.HistoryError = err
		history = nil
	}
	if len(history) > b.cfg.HistoryRounds {
		history = history[len(history)-b.cfg.HistoryRounds:]
	}
	cc.History = history

	if b.retriever != nil {
		cc.Retrieval = b.retriever.Retrieve(ctx, retrieval.Query{Text: in.Message, Web: in.Web, Progress: in.Progress})
	}
	if err := ctx.Err(); err != nil {
		return ConversationContext{}, err
	}

	cc.Stage = stageFor(history)
	cc.Hint = stageHint(history, in.Message)
	cc.Prompt = b.compose(cc, in)
	return cc, nil
}

func (b *ContextBuilder) compose(cc ConversationContext, in BuildInput) Prompt {
	system := []string{persona(in.ChildName, b.cfg.Mode)}
	if cc.Crisis {
		system = append(system, safetyBlock(in.Crisis))
	}

	var guide strings.Builder
	guide.WriteString("【内部信息，不要说给孩子听】\n当前 SFBT 阶段：")
	guide.WriteString(cc.Stage)
	if cc.Hint != "" {
		guide.WriteString("\n本轮引导：")
		guide.WriteString(cc.Hint)
	}
	system = append(system, guide.String())

	if !cc.Retrieval.Empty() {
		system = append(system, "【相关参考，仅帮助你理解情境，不要照搬原文、标题或网址】\n"+cc.Retrieval.Block)
	}
	system = append(system, "<output_contract>"+outputContract(b.cfg.Mode, b.cfg.Relaxed)+"</output_contract>")

	messages := make([]ChatMessage, 0, 2*len(cc.History)+1)
	for _, t := range cc.History {
		messages = append(messages,
			ChatMessage{Role: ChatRoleUser, Content: t.UserMessage},
			ChatMessage{Role: ChatRoleAssistant, Content: t.Response},
		)
	}
	messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: strings.TrimSpace(in.Message)})
	return Prompt{System: system, Messages: messages}
}

func persona(childName string, mode Mode) string {
	var b strings.Builder
	b.WriteString("你是咨询师“小益”，使用解决导向短期治疗（SFBT）的方式，像一位耐心、温柔的大朋友一样陪伴孩子")
	if name := strings.TrimSpace(childName); name != "" {
		b.WriteString("（孩子的名字是")
		b.WriteString(name)
		b.WriteString("）")
	}
	b.WriteString("。\n")
	b.WriteString("1. 语气温柔、真诚、像聊天，句子不要太长，适合小学生或初中生理解。\n")
	b.WriteString("2. 用好奇、开放、具体的问题引导孩子去想例外时刻、一点点改变、量表分数或下一小步行动，不要说教。\n")
	b.WriteString("3. 不要说明你在使用什么技术，不要提到检索、搜索结果、背景信息或任何网址。\n")
	switch mode {
	case ModeExplain:
		b.WriteString("4. 只输出一个 JSON 对象：answer 是对孩子说的话，explanation 简要说明你这样回应的理由。")
	case ModeRelaxed:
		b.WriteString("4. 只输出一段连续的、口语化的中文，至少两句话。")
	default:
		b.WriteString("4. 按【共情】【肯定】【探索】【行动】【鼓励】五段依次输出，每段前写标记，【行动】里用 1. 2. 编号给出小步骤，标记前不要有任何文字。")
	}
	return b.String()
}

var crisisLabels = map[crisis.Category]string{
	crisis.CategorySelfHarm: "自杀/自伤",
	crisis.CategoryAbuse:    "家暴/受虐",
	crisis.CategoryViolence: "伤害他人",
	crisis.CategoryNeglect:  "被忽视",
}

func safetyBlock(hits []crisis.Hit) string {
	var kinds []string
	seen := make(map[crisis.Category]bool)
	for _, h := range hits {
		if seen[h.Category] {
			continue
		}
		seen[h.Category] = true
		label, ok := crisisLabels[h.Category]
		if !ok {
			label = string(h.Category)
		}
		kinds = append(kinds, label)
	}
	tag := strings.Join(kinds, "、")
	if tag == "" {
		tag = "危机"
	}
	return fmt.Sprintf("【系统提醒：当前对话包含%s风险，回复时需优先关注安全与求助信息。】\n", tag) +
		"【安全守则（不要直接照搬原文，只需在回复中体现关心和建议）】\n" +
		"1. 先表达你在乎ta、担心ta现在的状况，肯定ta愿意说出来的勇气。\n" +
		"2. 温柔提醒：安全最重要，如果感到非常危险，要尽快联系信任的大人（如父母中安全的一方、亲戚、老师、学校心理老师），或拨打 110/120。\n" +
		"3. 可以建议孩子拨打心理热线：12355 青少年热线 或 800-810-1117（免费），但不要强迫，只是提供选项。\n" +
		"4. 在给出安全和求助建议之后，再问一个小小的、可回答的问题，帮助ta看到哪怕一点点的可能性。"
}

type contractSpec struct {
	Mode      Mode              `json:"mode"`
	Segments  []string          `json:"segments,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	MinChars  int               `json:"min_chars,omitempty"`
	MaxChars  int               `json:"max_chars,omitempty"`
	Sentences int               `json:"min_sentences,omitempty"`
	Rules     []string          `json:"rules"`
}

func outputContract(mode Mode, relaxed RelaxedLength) string {
	spec := contractSpec{Mode: mode}
	switch mode {
	case ModeExplain:
		spec.Fields = map[string]string{"answer": "string, non-empty", "explanation": "string, non-empty"}
		spec.Rules = []string{"single JSON object", "no text outside the object"}
	case ModeRelaxed:
		relaxed = relaxed.withDefaults()
		spec.MinChars = relaxed.MinRunes
		spec.MaxChars = relaxed.MaxRunes
		spec.Sentences = 2
		spec.Rules = []string{"plain conversational Chinese", "no refusal or error wording"}
	default:
		for _, s := range strictSegments {
			spec.Segments = append(spec.Segments, s.zh)
		}
		spec.Rules = []string{"exactly five segments in this order", "no text before the first marker", "every segment non-empty", "【行动】 contains numbered steps"}
	}
	b, _ := json.Marshal(spec)
	return string(b)
}

func stageFor(history []store.Turn) string {
	last := 0
	if n := len(history); n > 0 {
		last = history[n-1].Ordinal
	}
	return sfbtStages[min(max(last, 0), len(sfbtStages)-1)]
}

var (
	digits         = regexp.MustCompile(`\d+`)
	miracleCue     = []string{"奇迹", "不一样", "理想"}
	resourceCue    = []string{"做", "想", "有人", "听", "吃", "走"}
	planCue        = []string{"问", "看", "写", "聊"}
	improvementCue = []string{"开心", "轻松", "没那么"}
)

// stageHint picks the SFBT move for this turn from the last exchange.
func stageHint(history []store.Turn, message string) string {
	if len(history) == 0 {
		return "这是第一次对话。温柔地引导一个奇迹式的问题，例如“如果今晚有个小小的奇迹发生，明天醒来你会发现哪一件事情有一点点不一样？”，但不要说出“奇迹问题”这个词。"
	}
	msg := strings.TrimSpace(message)
	lastBot := history[len(history)-1].Response

	if containsAny(lastBot, miracleCue) {
		scored := false
		for _, t := range history {
			if strings.Contains(t.UserMessage, "分") {
				scored = true
				break
			}
		}
		if !scored {
			return "孩子描述了理想状态。引导一个 0–10 的量表问题，例如“如果 0 分代表一点都没有发生、10 分代表已经完全实现了，你觉得现在大概在几分？”"
		}
	}
	if score := digits.FindString(msg); score != "" && len([]rune(msg)) <= 10 {
		return fmt.Sprintf("孩子说在 %s 分。肯定孩子已经做到的部分，并引导一个例外或资源问题，例如“你是怎么做到现在有这 %s 分的？有哪些事情、哪些人或者你自己的哪些努力帮到了你？”", score, score)
	}
	if containsAny(strings.ToLower(msg), resourceCue) && !strings.Contains(lastBot, "下一步") {
		return "孩子提到了一些资源或行动的可能。肯定这些资源，并引导一个下一小步的问题，例如“如果想再往上走一点点，你觉得可以先从哪一件很小、很可行的事情开始试一试？”"
	}
	if containsAny(msg, planCue) && !strings.Contains(lastBot, "什么时候") {
		return "孩子已经有了一些行动计划。帮助孩子把计划具体化，例如“你觉得大概什么时候、在哪里、和谁一起做这件事最合适？”"
	}
	if containsAny(msg, improvementCue) {
		return "孩子感觉比之前好了一些。先肯定这种变化，再问问是什么让这种感觉出现，怎样让它多停留一会儿。"
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
