package recognizer

import "time"

const (
	DefaultURL        = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	DefaultModel      = "paraformer-realtime-v2"
	DefaultSampleRate = 16000
	DefaultFormat     = "pcm"
)

// Credentials 握手凭证
type Credentials struct {
	APIKey    string
	Workspace string
}

func (c Credentials) Empty() bool {
	return c.APIKey == ""
}

// SessionConfig 实时识别会话参数
type SessionConfig struct {
	URL                   string
	Model                 string
	SampleRate            int
	Format                string
	LanguageHints         []string
	PunctuationPrediction bool
	SemanticPunctuation   bool
	DisfluencyRemoval     bool
	IntermediateResults   bool

	HandshakeTimeout time.Duration // 等待 task-started
	FinishTimeout    time.Duration // 等待 task-finished
	WriteTimeout     time.Duration
	AudioQueueSize   int
	EventBufferSize  int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		URL:                   DefaultURL,
		Model:                 DefaultModel,
		SampleRate:            DefaultSampleRate,
		Format:                DefaultFormat,
		LanguageHints:         []string{"zh", "en"},
		PunctuationPrediction: true,
		IntermediateResults:   true,
		HandshakeTimeout:      10 * time.Second,
		FinishTimeout:         5 * time.Second,
		WriteTimeout:          5 * time.Second,
		AudioQueueSize:        512,
		EventBufferSize:       256,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Format == "" {
		c.Format = d.Format
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = d.FinishTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AudioQueueSize <= 0 {
		c.AudioQueueSize = d.AudioQueueSize
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	return c
}

// PoolConfig 连接池参数
type PoolConfig struct {
	ReadyTimeout      time.Duration // EnsureConnected 最长等待
	IdleCheckInterval time.Duration
	IdleTimeout       time.Duration
	PollInterval      time.Duration // AcquireHandle 轮询间隔
	// Prewarm 会话用完后后台重连，下一轮对话直接拿到 Ready 连接
	Prewarm bool
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ReadyTimeout:      10 * time.Second,
		IdleCheckInterval: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		PollInterval:      50 * time.Millisecond,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = d.ReadyTimeout
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = d.IdleCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
