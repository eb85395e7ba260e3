package openai

import (
	"context"
	"errors"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/altiora/pkg/conversation"
	"github.com/harunnryd/altiora/pkg/llm"
)

// ChatLLM calls the chat completions endpoint.
type ChatLLM struct {
	client *goopenai.Client
	opts   llm.Options
}

func NewChatLLM(cfg Config) *ChatLLM {
	opts := llm.Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}.WithDefaults()
	if opts.Model == "" {
		opts.Model = goopenai.GPT4oMini
	}
	return &ChatLLM{client: newClient(cfg), opts: opts}
}

func (c *ChatLLM) Name() string { return "openai_chat" }

func (c *ChatLLM) Generate(ctx context.Context, messages []conversation.Message) (llm.Response, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
		Messages:    make([]goopenai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return llm.Response{}, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices in response")
	}
	choice := resp.Choices[0]
	return llm.Response{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

var _ llm.LLMAdapter = (*ChatLLM)(nil)
