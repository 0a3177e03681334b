package dialogue

import "context"

const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

// ChatMessage is a backend-neutral chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// LLMRequest is one generation call. A negative Temperature leaves the
// backend default in place.
type LLMRequest struct {
	Model         string
	System        []string
	Messages      []ChatMessage
	MaxTokens     int32
	Temperature   float32
	TopP          float32
	ContextWindow int
	Mode          Mode
}

type LLMResponse struct {
	Text       string
	Usage      TokenUsage
	StopReason string
}

// LLMClient generates text. Implementations must be swappable without any
// change to validation.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// BindModel pins every request sent through client to model. Each backend in
// a fallback chain names its models differently.
func BindModel(client LLMClient, model string) LLMClient {
	if client == nil || model == "" {
		return client
	}
	return modelBinding{next: client, model: model}
}

type modelBinding struct {
	next  LLMClient
	model string
}

func (b modelBinding) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	req.Model = b.model
	return b.next.Complete(ctx, req)
}
