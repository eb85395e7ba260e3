package llm

import (
	"context"

	"github.com/harunnryd/altiora/pkg/conversation"
)

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// LLMAdapter produces the next assistant reply for a dialogue.
type LLMAdapter interface {
	Generate(ctx context.Context, messages []conversation.Message) (Response, error)
	Name() string
}

// Options tune a single generation.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// WithDefaults fills the values used for short spoken replies.
func (o Options) WithDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 150
	}
	if o.Temperature <= 0 {
		o.Temperature = 0.7
	}
	return o
}
