package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
}

// OpenAIProvider 兼容 OpenAI chat/completions 流式接口
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

func NewOpenAIProvider(cfg OpenAIConfig, lg *zap.Logger) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.OrNop(lg),
	}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req ChatRequest, onToken func(string) error) error {
	if strings.TrimSpace(req.UserText) == "" {
		return ErrEmptyInput
	}
	msgs := BuildMessages(req)
	chat := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		chat = append(chat, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    chat,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("create chat stream: %w", err)
	}
	defer stream.Close()

	tokens := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("recv chat stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			tokens++
			if err := onToken(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
	p.logger.Debug("chat stream done", zap.String("model", p.cfg.Model), zap.Int("tokens", tokens))
	return nil
}
