package llm

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ProviderType LLM 提供者类型
type ProviderType string

const (
	ProviderTypeOpenAI ProviderType = "openai" // OpenAI 兼容的 API
	ProviderTypeOllama ProviderType = "ollama" // Ollama 的 OpenAI 兼容端点
)

const defaultOllamaURL = "http://localhost:11434/v1"

// NewProvider 根据配置创建流式对话实现
func NewProvider(provider string, cfg OpenAIConfig, lg *zap.Logger) (ChatStream, error) {
	providerType := strings.ToLower(strings.TrimSpace(provider))
	if providerType == "" {
		providerType = string(ProviderTypeOpenAI)
	}
	switch ProviderType(providerType) {
	case ProviderTypeOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultOllamaURL
		}
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		return NewOpenAIProvider(cfg, lg), nil
	case ProviderTypeOpenAI:
		return NewOpenAIProvider(cfg, lg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
}
