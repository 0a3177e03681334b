package dialogue

import (
	"context"
	"encoding/json"
)

const offlineRelaxedReply = "我们来聊聊你希望有什么不一样？你愿意的话，可以先说说最近哪一件事情让你有一点点在意，我会一直在这里认真听你说。不管是开心的还是难过的，都可以慢慢讲，我们一起想一想可以从哪里开始。"

const offlineStrictReply = `【共情】谢谢你愿意和我说这些，听起来这段时间你心里有不少事情。
【肯定】你能把感受说出来，本身就很不容易，也说明你在努力照顾自己。
【探索】我们来聊聊你希望有什么不一样？如果明天稍微好一点点，你会先注意到什么？
【行动】1. 今天找一个安静的时间，想一想让你感觉好一点的小事。2. 如果愿意，可以把它写下来告诉我。
【鼓励】可以一点点来，我会陪着你慢慢想。`

// OfflineLLMClient returns fixed, contract-valid replies. It backs MOCK_LLM
// and lets the service run without any model.
type OfflineLLMClient struct{}

func (OfflineLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return LLMResponse{}, err
	}
	var text string
	switch req.Mode {
	case ModeExplain:
		b, err := json.Marshal(map[string]string{
			"answer":      offlineRelaxedReply,
			"explanation": "离线模式：使用固定的开放式提问，邀请孩子描述希望发生的变化。",
		})
		if err != nil {
			return LLMResponse{}, err
		}
		text = string(b)
	case ModeRelaxed:
		text = offlineRelaxedReply
	default:
		text = offlineStrictReply
	}
	return LLMResponse{Text: text, StopReason: "stop"}, nil
}
