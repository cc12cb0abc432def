package recognizer

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/sashabaranov/go-openai"
	"github.com/youpy/go-wav"
	"go.uber.org/zap"
)

// Transcriber 非流式识别，流式识别整体失败时作为兜底
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type OpenAITranscriberConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// OpenAITranscriber 兼容 OpenAI /audio/transcriptions 的服务
type OpenAITranscriber struct {
	client *openai.Client
	cfg    OpenAITranscriberConfig
	logger *zap.Logger
}

func NewOpenAITranscriber(cfg OpenAITranscriberConfig, lg *zap.Logger) *OpenAITranscriber {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	return &OpenAITranscriber{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.OrNop(lg),
	}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	// 裸 PCM 先封装成 WAV，接口只认容器格式
	if !IsWAV(audio) {
		pcm, format, err := DecodePCM(audio, mimeType, DefaultSampleRate)
		if err != nil {
			return "", err
		}
		audio = EncodeWAV(pcm, format)
	}
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.cfg.Model,
		FilePath: "speech.wav",
		Reader:   bytes.NewReader(audio),
		Language: t.cfg.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	t.logger.Debug("transcription done", zap.Int("bytes", len(audio)), zap.Int("text_len", len(text)))
	return text, nil
}

// EncodeWAV 为 16bit PCM 加上 WAV 头
func EncodeWAV(pcm []byte, format AudioFormat) []byte {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if format.BitsPerSample <= 0 {
		format.BitsPerSample = 16
	}
	if format.SampleRate <= 0 {
		format.SampleRate = DefaultSampleRate
	}
	frame := format.Channels * format.BitsPerSample / 8
	var buf bytes.Buffer
	w := wav.NewWriter(&buf, uint32(len(pcm)/frame), uint16(format.Channels), uint32(format.SampleRate), uint16(format.BitsPerSample))
	_, _ = w.Write(pcm[:len(pcm)/frame*frame])
	return buf.Bytes()
}
