package synthesizer

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

const ProviderOpenAI = "openai"

// OpenAIConfig 兼容 OpenAI /audio/speech 的服务配置
type OpenAIConfig struct {
	APIKey     string  `json:"api_key" env:"TTS_API_KEY"`
	BaseURL    string  `json:"base_url" env:"TTS_BASE_URL"`
	Model      string  `json:"model" default:"tts-1"`
	Voice      string  `json:"voice" default:"alloy"`
	Speed      float64 `json:"speed" default:"1.0"`
	SampleRate int     `json:"sample_rate" default:"24000"` // pcm 输出固定 24k
	ChunkSize  int     `json:"chunk_size" default:"4800"`   // 100ms @24k/16bit
}

func (c OpenAIConfig) withDefaults() OpenAIConfig {
	if c.Model == "" {
		c.Model = string(openai.TTSModel1)
	}
	if c.Voice == "" {
		c.Voice = string(openai.VoiceAlloy)
	}
	if c.Speed <= 0 {
		c.Speed = 1.0
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4800
	}
	return c
}

type OpenAISynthesizer struct {
	client *openai.Client
	opt    OpenAIConfig
	logger *zap.Logger
}

func NewOpenAISynthesizer(opt OpenAIConfig, lg *zap.Logger) *OpenAISynthesizer {
	opt = opt.withDefaults()
	oc := openai.DefaultConfig(opt.APIKey)
	if opt.BaseURL != "" {
		oc.BaseURL = opt.BaseURL
	}
	return &OpenAISynthesizer{
		client: openai.NewClientWithConfig(oc),
		opt:    opt,
		logger: logger.OrNop(lg),
	}
}

func (s *OpenAISynthesizer) Provider() string { return ProviderOpenAI }

func (s *OpenAISynthesizer) Format() Format {
	return Format{Encoding: "pcm", SampleRate: s.opt.SampleRate, Channels: 1, BitDepth: 16}
}

func (s *OpenAISynthesizer) CacheKey(text string) string {
	return fmt.Sprintf("openai.tts-%s-%s-%.2f-%s.pcm", s.opt.Model, s.opt.Voice, s.opt.Speed, digest(text))
}

// SynthesizeStream 按 ChunkSize 读取响应体并逐块回调
func (s *OpenAISynthesizer) SynthesizeStream(ctx context.Context, text string, onChunk func([]byte) error) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.opt.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.opt.Voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
		Speed:          s.opt.Speed,
	})
	if err != nil {
		return wrapOpenAIError(err)
	}
	defer resp.Close()

	buf := make([]byte, s.opt.ChunkSize)
	total := 0
	for {
		n, rerr := io.ReadFull(resp, buf)
		if n > 0 {
			total += n
			if err := onChunk(append([]byte(nil), buf[:n]...)); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read speech body: %w", rerr)
		}
	}
	s.logger.Debug("openai speech done", zap.Int("text_len", len(text)), zap.Int("bytes", total))
	return nil
}

// wrapOpenAIError 把 go-openai 的错误统一成 APIError，保留原始错误码
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprint(apiErr.Code)
		}
		if code == "" && apiErr.Type != "" {
			code = apiErr.Type
		}
		return &APIError{Provider: ProviderOpenAI, StatusCode: apiErr.HTTPStatusCode, Code: code, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &APIError{Provider: ProviderOpenAI, StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return err
}
