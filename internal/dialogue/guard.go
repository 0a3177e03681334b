package dialogue

import (
	"regexp"
	"strings"
)

var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think(?:ing)?>.*?(?:</think(?:ing)?>|$)`),
	regexp.MustCompile(`(?s)思考[:：].*?(?:(?:结论|回答)[:：]?|$)`),
	regexp.MustCompile(`(?is)\bthoughts?:.*?(?:(?:answer|conclusion):?|$)`),
	regexp.MustCompile(`(?s)\[[^\]\n]*思考[^\]\n]*\].*?\[/[^\]\n]*\]`),
	regexp.MustCompile(`(?i)[（(][^（()）\n]*thinking[^（()）\n]*[)）]`),
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// StripReasoning removes chain-of-thought traces some backends emit ahead of
// the actual reply.
func StripReasoning(text string) string {
	for _, re := range reasoningPatterns {
		text = re.ReplaceAllString(text, "")
	}
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// GuardResult reports what the output guard found in a reply.
type GuardResult struct {
	Reasons []string
	// Block is set when the reply must never reach a child, even after a retry.
	Block bool
}

func (g GuardResult) Flagged() bool { return len(g.Reasons) > 0 }

type outputPattern struct {
	re     *regexp.Regexp
	reason string
	block  bool
}

var outputPatterns = []outputPattern{
	// internal context
	{regexp.MustCompile(`检索|搜索结果|背景信息|参考信息|上面这段文字`), "leak:internal_context", false},
	{regexp.MustCompile(`(?i)https?://\S+|www\.[a-z0-9-]+\.[a-z]{2,}`), "leak:url", false},
	{regexp.MustCompile(`系统提示|提示词|系统内部信息|output_contract|SFBT\s*阶段`), "leak:system_prompt", false},
	{regexp.MustCompile(`(?i)my (system\s+)?(prompt|instructions?)\s+(is|are|says|tell)`), "leak:system_prompt", false},
	{regexp.MustCompile(`(?i)i('m| am) (a|an) (AI|language model|LLM|chatbot)\b|我是(一个)?(AI|人工智能|语言模型)`), "leak:ai_identity", false},

	// method detail
	{regexp.MustCompile(`(割腕|上吊|跳楼|服毒|安眠药|农药|烧炭).{0,16}(方法|步骤|剂量|多少片|多少毫升|怎么做|最快|不痛)`), "harm:method_detail", true},
	{regexp.MustCompile(`(自杀|自残|轻生|结束生命).{0,10}(的方法|的步骤|的剂量|怎么做最)`), "harm:method_detail", true},
	{regexp.MustCompile(`(?i)(how to|ways to|steps to)\s+(kill (yourself|myself)|commit suicide|self[- ]harm|hurt (yourself|myself))`), "harm:method_detail", true},
}

// ScanOutput checks a reply before it is shown to a child.
func ScanOutput(reply string) GuardResult {
	var res GuardResult
	if strings.TrimSpace(reply) == "" {
		return res
	}
	seen := make(map[string]bool)
	for _, p := range outputPatterns {
		if !p.re.MatchString(reply) {
			continue
		}
		if !seen[p.reason] {
			seen[p.reason] = true
			res.Reasons = append(res.Reasons, p.reason)
		}
		if p.block {
			res.Block = true
		}
	}
	return res
}
