package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripReasoning(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "你好呀。", "你好呀。"},
		{"think tags", "<think>孩子很累，要先共情</think>\n你辛苦了。", "你辛苦了。"},
		{"unterminated think", "你辛苦了。<think>还没想完", "你辛苦了。"},
		{"chinese trace", "思考：先安慰再提问。回答：你辛苦了。", "你辛苦了。"},
		{"english trace", "Thoughts: be gentle. Answer: 你辛苦了。", "你辛苦了。"},
		{"bracket trace", "[内部思考]先安慰[/内部思考]你辛苦了。", "你辛苦了。"},
		{"parenthetical", "你辛苦了。(thinking: keep it short)", "你辛苦了。"},
		{"collapses blank lines", "第一句。\n\n\n\n第二句。", "第一句。\n\n第二句。"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripReasoning(tt.in))
		})
	}
}

func TestScanOutput(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		wantReason string
		wantBlock  bool
	}{
		{"safe", "我在这里陪着你，你愿意多说一点吗？", "", false},
		{"hotline is fine", "心理热线 12355 也可以先试着打一下。", "", false},
		{"empty", "", "", false},
		{"retrieval mention", "根据检索到的内容，你可以试试深呼吸。", "leak:internal_context", false},
		{"background mention", "背景信息里说你很难过。", "leak:internal_context", false},
		{"url", "可以看看 www.example.com 上的文章。", "leak:url", false},
		{"prompt disclosure", "我的系统提示要求我先共情。", "leak:system_prompt", false},
		{"english prompt disclosure", "My instructions are to ask a miracle question.", "leak:system_prompt", false},
		{"ai identity", "我是一个人工智能，不过我会陪着你。", "leak:ai_identity", false},
		{"method detail", "安眠药吃多少片最快", "harm:method_detail", true},
		{"method detail english", "Here is how to kill yourself quickly", "harm:method_detail", true},
		{"mentions topic safely", "如果你有自杀的念头，请马上告诉一个信任的大人。", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanOutput(tt.reply)
			if tt.wantReason == "" {
				assert.False(t, got.Flagged(), "unexpected reasons %v", got.Reasons)
				return
			}
			assert.Contains(t, got.Reasons, tt.wantReason)
			assert.Equal(t, tt.wantBlock, got.Block)
		})
	}
}
