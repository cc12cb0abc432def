package voicechat

import (
	"time"

	"github.com/code-100-precent/LingTalk/pkg/splitter"
	"github.com/code-100-precent/LingTalk/pkg/stream"
)

type Config struct {
	SystemPrompt string
	// MaxHistoryTurns 保留的历史轮数，一轮是一问一答
	MaxHistoryTurns int
	// ChunkBytes 送入识别的音频分块，3200 字节为 16k/16bit 下 100ms
	ChunkBytes int
	// AcquireTimeout 等待池中会话就绪的时间，超时改用一次性会话
	AcquireTimeout time.Duration

	Splitter splitter.Config
	Pipeline stream.PipelineConfig
}

func DefaultConfig() Config {
	return Config{
		MaxHistoryTurns: 10,
		ChunkBytes:      3200,
		AcquireTimeout:  2 * time.Second,
		Splitter:        splitter.DefaultConfig(),
		Pipeline:        stream.DefaultPipelineConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxHistoryTurns <= 0 {
		c.MaxHistoryTurns = d.MaxHistoryTurns
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = d.ChunkBytes
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	return c
}
