package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/code-100-precent/LingTalk/pkg/config"
	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/code-100-precent/LingTalk/pkg/utils"
	"go.uber.org/zap"
)

// LogConfigInfo Print global configuration information, secrets are masked
func LogConfigInfo() {
	cfg := config.GlobalConfig
	logger.Info("system config load finished")
	logger.Info("global config",
		zap.String("server_name", cfg.Server.Name),
		zap.String("mode", cfg.Server.Mode),
		zap.String("addr", cfg.Server.Addr),
		zap.String("api_prefix", cfg.Server.APIPrefix),
		zap.String("monitor_prefix", cfg.Server.MonitorPrefix),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout),
	)

	logger.Info("log config",
		zap.String("log_level", cfg.Log.Level),
		zap.String("log_filename", cfg.Log.Filename),
		zap.Int("log_max_size", cfg.Log.MaxSize),
		zap.Int("log_max_age", cfg.Log.MaxAge),
		zap.Int("log_max_backups", cfg.Log.MaxBackups),
	)

	logger.Info("cache config",
		zap.String("cache_type", cfg.Cache.Type),
		zap.String("redis_addr", cfg.Cache.Redis.Addr),
		zap.String("redis_password", utils.MaskSecret(cfg.Cache.Redis.Password)),
		zap.Int("local_max_size", cfg.Cache.Local.MaxSize),
	)

	llmCfg := cfg.Services.LLM
	logger.Info("llm config",
		zap.String("llm_provider", llmCfg.Provider),
		zap.String("llm_base_url", llmCfg.BaseURL),
		zap.String("llm_model", llmCfg.Model),
		zap.String("llm_api_key", utils.MaskSecret(llmCfg.APIKey)),
	)

	stt := cfg.Services.STT
	logger.Info("stt config",
		zap.String("stt_url", stt.URL),
		zap.String("stt_model", stt.Model),
		zap.Int("stt_sample_rate", stt.SampleRate),
		zap.String("stt_api_key", utils.MaskSecret(stt.APIKey)),
		zap.String("stt_workspace", stt.Workspace),
		zap.Bool("stt_fallback_enabled", stt.FallbackAPIKey != ""),
		zap.Bool("stt_pool_prewarm", cfg.VoiceChat.Pool.Prewarm),
		zap.Duration("stt_pool_idle_timeout", cfg.VoiceChat.Pool.IdleTimeout),
	)

	tts := cfg.Services.TTS
	logger.Info("tts config",
		zap.String("tts_base_url", tts.BaseURL),
		zap.String("tts_model", tts.Model),
		zap.String("tts_voice", tts.Voice),
		zap.String("tts_api_key", utils.MaskSecret(tts.APIKey)),
		zap.Bool("tts_cache_enabled", tts.CacheEnabled),
		zap.Int("tts_max_concurrent", cfg.VoiceChat.Pipeline.MaxConcurrent),
		zap.Int("tts_max_retry", cfg.VoiceChat.Pipeline.MaxRetry),
	)
}

// PrintBannerFromFile Read file and print
func PrintBannerFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")

	colors := []string{
		"\x1b[38;5;39m",
		"\x1b[38;5;45m",
		"\x1b[38;5;51m",
		"\x1b[38;5;87m",
		"\x1b[38;5;123m",
		"\x1b[38;5;159m",
	}

	for i, line := range lines {
		fmt.Println(colors[i%len(colors)] + line + "\x1b[0m")
	}
	return nil
}
