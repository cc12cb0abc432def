package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/cache"
	"github.com/code-100-precent/LingTalk/pkg/llm"
	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/splitter"
	"github.com/code-100-precent/LingTalk/pkg/stream"
	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
	"github.com/code-100-precent/LingTalk/pkg/utils"
	"github.com/code-100-precent/LingTalk/pkg/voicechat"
)

// Config main configuration structure
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       logger.LogConfig `mapstructure:"log"`
	Cache     cache.Config     `mapstructure:"cache"`
	Services  ServicesConfig   `mapstructure:"services"`
	VoiceChat VoiceChatConfig  `mapstructure:"voice_chat"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Name            string        `env:"SERVER_NAME"`
	Addr            string        `env:"ADDR"`
	Mode            string        `env:"MODE"`
	APIPrefix       string        `env:"API_PREFIX"`
	MonitorPrefix   string        `env:"MONITOR_PREFIX"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// ServicesConfig upstream services
type ServicesConfig struct {
	LLM LLMConfig `mapstructure:"llm"`
	STT STTConfig `mapstructure:"stt"`
	TTS TTSConfig `mapstructure:"tts"`
}

// LLMConfig LLM service configuration
type LLMConfig struct {
	Provider    string  `env:"LLM_PROVIDER"`
	APIKey      string  `env:"LLM_API_KEY"`
	BaseURL     string  `env:"LLM_BASE_URL"`
	Model       string  `env:"LLM_MODEL"`
	Temperature float64 `env:"LLM_TEMPERATURE"`
	MaxTokens   int     `env:"LLM_MAX_TOKENS"`
}

// STTConfig 实时识别（DashScope 协议）与非流式兜底识别
type STTConfig struct {
	APIKey           string        `env:"STT_API_KEY"`
	Workspace        string        `env:"STT_WORKSPACE"`
	URL              string        `env:"STT_URL"`
	Model            string        `env:"STT_MODEL"`
	SampleRate       int           `env:"STT_SAMPLE_RATE"`
	Format           string        `env:"STT_FORMAT"`
	LanguageHints    []string      `env:"STT_LANGUAGE_HINTS"`
	HandshakeTimeout time.Duration `env:"STT_HANDSHAKE_TIMEOUT"`
	FinishTimeout    time.Duration `env:"STT_FINISH_TIMEOUT"`

	FallbackAPIKey  string `env:"STT_FALLBACK_API_KEY"`
	FallbackBaseURL string `env:"STT_FALLBACK_BASE_URL"`
	FallbackModel   string `env:"STT_FALLBACK_MODEL"`
}

// TTSConfig OpenAI 兼容的语音合成
type TTSConfig struct {
	APIKey       string        `env:"TTS_API_KEY"`
	BaseURL      string        `env:"TTS_BASE_URL"`
	Model        string        `env:"TTS_MODEL"`
	Voice        string        `env:"TTS_VOICE"`
	Speed        float64       `env:"TTS_SPEED"`
	CacheEnabled bool          `env:"TTS_CACHE_ENABLED"`
	CacheTTL     time.Duration `env:"TTS_CACHE_TTL"`
}

// VoiceChatConfig 对话编排、分句、合成调度与识别连接池
type VoiceChatConfig struct {
	SystemPrompt    string        `env:"VOICE_SYSTEM_PROMPT"`
	MaxHistoryTurns int           `env:"VOICE_MAX_HISTORY_TURNS"`
	ChunkBytes      int           `env:"VOICE_CHUNK_BYTES"`
	AcquireTimeout  time.Duration `env:"VOICE_ACQUIRE_TIMEOUT"`
	TurnTimeout     time.Duration `env:"VOICE_TURN_TIMEOUT"`

	Splitter SplitterConfig
	Pipeline PipelineConfig
	Pool     PoolConfig
}

type SplitterConfig struct {
	FirstMinLength  int `env:"SPLIT_FIRST_MIN_LENGTH"`
	FirstMaxWait    int `env:"SPLIT_FIRST_MAX_WAIT"`
	MinLength       int `env:"SPLIT_MIN_LENGTH"`
	PreferredLength int `env:"SPLIT_PREFERRED_LENGTH"`
	HardMax         int `env:"SPLIT_HARD_MAX"`
	AbsoluteMax     int `env:"SPLIT_ABSOLUTE_MAX"`
}

type PipelineConfig struct {
	MaxConcurrent     int           `env:"TTS_MAX_CONCURRENT"`
	MaxRetry          int           `env:"TTS_MAX_RETRY"`
	TaskTimeout       time.Duration `env:"TTS_TASK_TIMEOUT"`
	FirstTaskTimeout  time.Duration `env:"TTS_FIRST_TASK_TIMEOUT"`
	RetryBackoff      time.Duration `env:"TTS_RETRY_BACKOFF"`
	FirstRetryBackoff time.Duration `env:"TTS_FIRST_RETRY_BACKOFF"`
	RateLimitBackoff  time.Duration `env:"TTS_RATE_LIMIT_BACKOFF"`
	FatalCodes        []string      `env:"TTS_FATAL_CODES"`
}

type PoolConfig struct {
	ReadyTimeout      time.Duration `env:"STT_POOL_READY_TIMEOUT"`
	IdleCheckInterval time.Duration `env:"STT_POOL_IDLE_CHECK_INTERVAL"`
	IdleTimeout       time.Duration `env:"STT_POOL_IDLE_TIMEOUT"`
	Prewarm           bool          `env:"STT_POOL_PREWARM"`
}

var GlobalConfig *Config

func Load() error {
	// 1. Load .env file based on environment (don't error if it doesn't exist, use default values)
	env := os.Getenv("APP_ENV")
	if err := utils.LoadEnv(env); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. Load global configuration
	GlobalConfig = &Config{
		Server: ServerConfig{
			Name:            getStringOrDefault("SERVER_NAME", "LingTalk"),
			Addr:            getStringOrDefault("ADDR", ":7072"),
			Mode:            getStringOrDefault("MODE", "development"),
			APIPrefix:       getStringOrDefault("API_PREFIX", "/api"),
			MonitorPrefix:   getStringOrDefault("MONITOR_PREFIX", "/metrics"),
			ShutdownTimeout: getDurationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/lingtalk.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		Cache: loadCacheConfig(),
		Services: ServicesConfig{
			LLM: LLMConfig{
				Provider:    getStringOrDefault("LLM_PROVIDER", "openai"),
				APIKey:      getStringOrDefault("LLM_API_KEY", ""),
				BaseURL:     getStringOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
				Model:       getStringOrDefault("LLM_MODEL", "gpt-4o-mini"),
				Temperature: getFloatOrDefault("LLM_TEMPERATURE", 0.7),
				MaxTokens:   getIntOrDefault("LLM_MAX_TOKENS", 512),
			},
			STT: STTConfig{
				APIKey:           getStringOrDefault("STT_API_KEY", ""),
				Workspace:        getStringOrDefault("STT_WORKSPACE", ""),
				URL:              getStringOrDefault("STT_URL", recognizer.DefaultURL),
				Model:            getStringOrDefault("STT_MODEL", recognizer.DefaultModel),
				SampleRate:       getIntOrDefault("STT_SAMPLE_RATE", recognizer.DefaultSampleRate),
				Format:           getStringOrDefault("STT_FORMAT", recognizer.DefaultFormat),
				LanguageHints:    getListOrDefault("STT_LANGUAGE_HINTS", []string{"zh", "en"}),
				HandshakeTimeout: getDurationOrDefault("STT_HANDSHAKE_TIMEOUT", 10*time.Second),
				FinishTimeout:    getDurationOrDefault("STT_FINISH_TIMEOUT", 5*time.Second),
				FallbackAPIKey:   getStringOrDefault("STT_FALLBACK_API_KEY", ""),
				FallbackBaseURL:  getStringOrDefault("STT_FALLBACK_BASE_URL", ""),
				FallbackModel:    getStringOrDefault("STT_FALLBACK_MODEL", "whisper-1"),
			},
			TTS: TTSConfig{
				APIKey:       getStringOrDefault("TTS_API_KEY", ""),
				BaseURL:      getStringOrDefault("TTS_BASE_URL", "https://api.openai.com/v1"),
				Model:        getStringOrDefault("TTS_MODEL", "tts-1"),
				Voice:        getStringOrDefault("TTS_VOICE", "alloy"),
				Speed:        getFloatOrDefault("TTS_SPEED", 1.0),
				CacheEnabled: getBoolOrDefault("TTS_CACHE_ENABLED", true),
				CacheTTL:     getDurationOrDefault("TTS_CACHE_TTL", 24*time.Hour),
			},
		},
		VoiceChat: VoiceChatConfig{
			SystemPrompt:    getStringOrDefault("VOICE_SYSTEM_PROMPT", "你是一个简洁友好的语音助手，用口语化的短句回答。"),
			MaxHistoryTurns: getIntOrDefault("VOICE_MAX_HISTORY_TURNS", 10),
			ChunkBytes:      getIntOrDefault("VOICE_CHUNK_BYTES", 3200),
			AcquireTimeout:  getDurationOrDefault("VOICE_ACQUIRE_TIMEOUT", 2*time.Second),
			TurnTimeout:     getDurationOrDefault("VOICE_TURN_TIMEOUT", 2*time.Minute),
			Splitter: SplitterConfig{
				FirstMinLength:  getIntOrDefault("SPLIT_FIRST_MIN_LENGTH", 4),
				FirstMaxWait:    getIntOrDefault("SPLIT_FIRST_MAX_WAIT", 24),
				MinLength:       getIntOrDefault("SPLIT_MIN_LENGTH", 6),
				PreferredLength: getIntOrDefault("SPLIT_PREFERRED_LENGTH", 24),
				HardMax:         getIntOrDefault("SPLIT_HARD_MAX", 48),
				AbsoluteMax:     getIntOrDefault("SPLIT_ABSOLUTE_MAX", 80),
			},
			Pipeline: PipelineConfig{
				MaxConcurrent:     getIntOrDefault("TTS_MAX_CONCURRENT", 5),
				MaxRetry:          getIntOrDefault("TTS_MAX_RETRY", 2),
				TaskTimeout:       getDurationOrDefault("TTS_TASK_TIMEOUT", 20*time.Second),
				FirstTaskTimeout:  getDurationOrDefault("TTS_FIRST_TASK_TIMEOUT", 8*time.Second),
				RetryBackoff:      getDurationOrDefault("TTS_RETRY_BACKOFF", 300*time.Millisecond),
				FirstRetryBackoff: getDurationOrDefault("TTS_FIRST_RETRY_BACKOFF", 100*time.Millisecond),
				RateLimitBackoff:  getDurationOrDefault("TTS_RATE_LIMIT_BACKOFF", time.Second),
				FatalCodes:        getListOrDefault("TTS_FATAL_CODES", stream.DefaultFatalCodes),
			},
			// 池中会话只服务一轮，不预热的话每轮都要冷启动建连
			Pool: PoolConfig{
				ReadyTimeout:      getDurationOrDefault("STT_POOL_READY_TIMEOUT", 10*time.Second),
				IdleCheckInterval: getDurationOrDefault("STT_POOL_IDLE_CHECK_INTERVAL", 5*time.Second),
				IdleTimeout:       getDurationOrDefault("STT_POOL_IDLE_TIMEOUT", 30*time.Second),
				Prewarm:           getBoolOrDefault("STT_POOL_PREWARM", true),
			},
		},
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if c.Services.STT.APIKey != "" && c.Services.STT.URL == "" {
		return errors.New("stt url is required when stt api key is set")
	}
	if c.Services.LLM.APIKey == "" && c.Services.LLM.Provider != string(llm.ProviderTypeOllama) {
		return errors.New("llm api key is required")
	}
	if c.VoiceChat.Pipeline.MaxConcurrent <= 0 {
		return errors.New("tts max concurrent must be positive")
	}
	s := c.VoiceChat.Splitter
	if s.FirstMinLength > s.FirstMaxWait {
		return fmt.Errorf("splitter first min length %d exceeds first max wait %d", s.FirstMinLength, s.FirstMaxWait)
	}
	if !(s.MinLength <= s.PreferredLength && s.PreferredLength <= s.HardMax && s.HardMax <= s.AbsoluteMax) {
		return fmt.Errorf("splitter lengths must satisfy min <= preferred <= hard max <= absolute max, got %d/%d/%d/%d",
			s.MinLength, s.PreferredLength, s.HardMax, s.AbsoluteMax)
	}
	return nil
}

// Credentials 实时识别握手凭证
func (c *Config) Credentials() recognizer.Credentials {
	return recognizer.Credentials{APIKey: c.Services.STT.APIKey, Workspace: c.Services.STT.Workspace}
}

func (c *Config) SessionConfig() recognizer.SessionConfig {
	stt := c.Services.STT
	sc := recognizer.DefaultSessionConfig()
	sc.URL = stt.URL
	sc.Model = stt.Model
	sc.SampleRate = stt.SampleRate
	sc.Format = stt.Format
	sc.LanguageHints = stt.LanguageHints
	sc.HandshakeTimeout = stt.HandshakeTimeout
	sc.FinishTimeout = stt.FinishTimeout
	return sc
}

func (c *Config) PoolConfig() recognizer.PoolConfig {
	p := c.VoiceChat.Pool
	return recognizer.PoolConfig{
		ReadyTimeout:      p.ReadyTimeout,
		IdleCheckInterval: p.IdleCheckInterval,
		IdleTimeout:       p.IdleTimeout,
		Prewarm:           p.Prewarm,
	}
}

func (c *Config) SplitterConfig() splitter.Config {
	s := c.VoiceChat.Splitter
	sc := splitter.DefaultConfig()
	sc.FirstMinLength = s.FirstMinLength
	sc.FirstMaxWait = s.FirstMaxWait
	sc.MinLength = s.MinLength
	sc.PreferredLength = s.PreferredLength
	sc.HardMax = s.HardMax
	sc.AbsoluteMax = s.AbsoluteMax
	return sc
}

func (c *Config) PipelineConfig() stream.PipelineConfig {
	p := c.VoiceChat.Pipeline
	maxRetry := p.MaxRetry
	if maxRetry == 0 {
		// 配置里的 0 表示不重试
		maxRetry = -1
	}
	return stream.PipelineConfig{
		MaxConcurrent:     int64(p.MaxConcurrent),
		MaxRetry:          maxRetry,
		TaskTimeout:       p.TaskTimeout,
		FirstTaskTimeout:  p.FirstTaskTimeout,
		RetryBackoff:      p.RetryBackoff,
		FirstRetryBackoff: p.FirstRetryBackoff,
		RateLimitBackoff:  p.RateLimitBackoff,
		FatalCodes:        p.FatalCodes,
	}
}

func (c *Config) OrchestratorConfig() voicechat.Config {
	v := c.VoiceChat
	return voicechat.Config{
		SystemPrompt:    v.SystemPrompt,
		MaxHistoryTurns: v.MaxHistoryTurns,
		ChunkBytes:      v.ChunkBytes,
		AcquireTimeout:  v.AcquireTimeout,
		Splitter:        c.SplitterConfig(),
		Pipeline:        c.PipelineConfig(),
	}
}

func (c *Config) LLMOptions() llm.OpenAIConfig {
	l := c.Services.LLM
	return llm.OpenAIConfig{
		APIKey:      l.APIKey,
		BaseURL:     l.BaseURL,
		Model:       l.Model,
		Temperature: float32(l.Temperature),
		MaxTokens:   l.MaxTokens,
	}
}

func (c *Config) TTSOptions() synthesizer.OpenAIConfig {
	t := c.Services.TTS
	return synthesizer.OpenAIConfig{
		APIKey:  t.APIKey,
		BaseURL: t.BaseURL,
		Model:   t.Model,
		Voice:   t.Voice,
		Speed:   t.Speed,
	}
}

// TranscriberOptions 未配置兜底密钥时返回 false
func (c *Config) TranscriberOptions() (recognizer.OpenAITranscriberConfig, bool) {
	s := c.Services.STT
	if s.FallbackAPIKey == "" {
		return recognizer.OpenAITranscriberConfig{}, false
	}
	return recognizer.OpenAITranscriberConfig{
		APIKey:  s.FallbackAPIKey,
		BaseURL: s.FallbackBaseURL,
		Model:   s.FallbackModel,
	}, true
}

// getStringOrDefault gets environment variable value, returns default if empty
func getStringOrDefault(key, defaultValue string) string {
	value := utils.GetEnv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault gets boolean environment variable value, returns default if empty
func getBoolOrDefault(key string, defaultValue bool) bool {
	if utils.GetEnv(key) == "" {
		return defaultValue
	}
	return utils.GetBoolEnv(key)
}

// getIntOrDefault gets integer environment variable value, returns default if empty
func getIntOrDefault(key string, defaultValue int) int {
	if utils.GetEnv(key) == "" {
		return defaultValue
	}
	return int(utils.GetIntEnv(key))
}

// getFloatOrDefault gets float environment variable value, returns default if empty
func getFloatOrDefault(key string, defaultValue float64) float64 {
	if utils.GetEnv(key) == "" {
		return defaultValue
	}
	return utils.GetFloatEnv(key)
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	return parseDuration(utils.GetEnv(key), defaultValue)
}

func getListOrDefault(key string, defaultValue []string) []string {
	if v := utils.GetListEnv(key); len(v) > 0 {
		return v
	}
	return defaultValue
}

// parseDuration parses duration string with default fallback
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// loadCacheConfig loads cache configuration with all default values
func loadCacheConfig() cache.Config {
	return cache.Config{
		Type: getStringOrDefault("CACHE_TYPE", "local"),
		Redis: cache.RedisConfig{
			Addr:         getStringOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     utils.GetEnv("REDIS_PASSWORD"),
			DB:           getIntOrDefault("REDIS_DB", 0),
			PoolSize:     getIntOrDefault("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntOrDefault("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDurationOrDefault("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationOrDefault("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationOrDefault("REDIS_WRITE_TIMEOUT", 3*time.Second),
			KeyPrefix:    getStringOrDefault("REDIS_KEY_PREFIX", "lingtalk:"),
		},
		Local: cache.LocalConfig{
			MaxSize:           getIntOrDefault("LOCAL_CACHE_MAX_SIZE", 512),
			DefaultExpiration: getDurationOrDefault("LOCAL_CACHE_DEFAULT_EXPIRATION", 30*time.Minute),
			CleanupInterval:   getDurationOrDefault("LOCAL_CACHE_CLEANUP_INTERVAL", 10*time.Minute),
		},
	}
}
