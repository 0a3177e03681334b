package dialogue

import (
	"context"
	"sync"
)

type scriptStep struct {
	text string
	stop string
	err  error
}

// scriptedLLM replays steps in order and repeats the last one.
type scriptedLLM struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []LLMRequest
}

func newScriptedLLM(steps ...scriptStep) *scriptedLLM {
	return &scriptedLLM{steps: steps}
}

func replies(texts ...string) *scriptedLLM {
	steps := make([]scriptStep, len(texts))
	for i, t := range texts {
		steps[i] = scriptStep{text: t, stop: "stop"}
	}
	return newScriptedLLM(steps...)
}

func (s *scriptedLLM) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return LLMResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	idx := min(len(s.requests)-1, len(s.steps)-1)
	step := s.steps[idx]
	if step.err != nil {
		return LLMResponse{}, step.err
	}
	return LLMResponse{Text: step.text, StopReason: step.stop}, nil
}

func (s *scriptedLLM) calls() []LLMRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LLMRequest(nil), s.requests...)
}

// blockingLLM waits for ctx to end.
type blockingLLM struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingLLM() *blockingLLM {
	return &blockingLLM{started: make(chan struct{})}
}

func (b *blockingLLM) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return LLMResponse{}, ctx.Err()
}

const (
	validStrict = "【共情】听起来你最近真的很累，心里装了很多事情。\n" +
		"【肯定】你愿意把这些说出来，已经很勇敢了。\n" +
		"【探索】最近有没有哪一刻，你觉得稍微轻松了一点点？\n" +
		"【行动】1. 今晚睡前给自己留五分钟安静的时间。2. 明天找同桌聊一件开心的小事。\n" +
		"【鼓励】可以一点点来，我会一直陪着你。"

	fourSegments = "【共情】听起来你最近真的很累。\n" +
		"【肯定】你愿意说出来很勇敢。\n" +
		"【探索】什么时候会感觉好一点？\n" +
		"【行动】1. 今晚早点休息。"

	threeSegments = "【共情】听起来你最近真的很累。\n" +
		"【肯定】你愿意说出来很勇敢。\n" +
		"【探索】什么时候会感觉好一点？"
)
