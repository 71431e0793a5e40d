package ai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const handoffPrompt = `You write handoff notes for support agents.
Summarize the conversation below in at most three sentences: what the
visitor needs, what was already tried, and what is still open.
Plain text only.`

type OpenAIClient struct {
	client *openai.Client
	model  string
	log    *zap.Logger
}

func NewOpenAIClient(apiKey, model string, log *zap.Logger) *OpenAIClient {
	return NewOpenAIClientWithConfig(openai.DefaultConfig(apiKey), model, log)
}

func NewOpenAIClientWithConfig(cfg openai.ClientConfig, model string, log *zap.Logger) *OpenAIClient {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.Named("ai"),
	}
}

var ErrEmptyReply = errors.New("ai: empty reply")

func (c *OpenAIClient) Summarize(ctx context.Context, transcript []Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(transcript)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: handoffPrompt,
	})
	for _, m := range transcript {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Text,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		c.log.Warn("openai request failed", zap.Error(err))
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}

	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyReply
	}
	c.log.Debug("handoff summary", zap.Int("turns", len(transcript)), zap.Int("chars", len(out)))
	return out, nil
}
