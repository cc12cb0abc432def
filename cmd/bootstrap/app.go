package bootstrap

import (
	"fmt"

	handlers "github.com/code-100-precent/LingTalk/internal/handler"
	"github.com/code-100-precent/LingTalk/pkg/cache"
	"github.com/code-100-precent/LingTalk/pkg/config"
	"github.com/code-100-precent/LingTalk/pkg/llm"
	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/code-100-precent/LingTalk/pkg/metrics"
	"github.com/code-100-precent/LingTalk/pkg/middleware"
	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
	"github.com/code-100-precent/LingTalk/pkg/voicechat"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// App 进程内的全部长生命周期组件
type App struct {
	Engine *gin.Engine
	Pool   *recognizer.Pool
	Cache  cache.Cache

	logger *zap.Logger
}

// NewApp 按配置装配识别连接池、合成、对话模型和 HTTP 路由。
// 未配置实时识别密钥时不创建连接池。
func NewApp(cfg *config.Config, lg *zap.Logger) (*App, error) {
	lg = logger.OrNop(lg)
	metrics.Register(prometheus.DefaultRegisterer)

	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	chat, err := llm.NewProvider(cfg.Services.LLM.Provider, cfg.LLMOptions(), lg.Named("llm"))
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("init llm: %w", err)
	}

	var synth synthesizer.Synthesizer = synthesizer.NewOpenAISynthesizer(cfg.TTSOptions(), lg.Named("tts"))
	if cfg.Services.TTS.CacheEnabled {
		synth = synthesizer.NewCached(synth, c, cfg.Services.TTS.CacheTTL, 0, lg.Named("tts"))
	}

	var transcriber recognizer.Transcriber
	if opts, ok := cfg.TranscriberOptions(); ok {
		transcriber = recognizer.NewOpenAITranscriber(opts, lg.Named("transcriber"))
	}

	var pool *recognizer.Pool
	creds := cfg.Credentials()
	if !creds.Empty() {
		pool = recognizer.NewPool(cfg.PoolConfig(), cfg.SessionConfig(), lg.Named("stt"))
	} else {
		lg.Warn("stt api key not configured, streaming recognition disabled")
	}

	deps := voicechat.Deps{
		Pool:          pool,
		Credentials:   creds,
		SessionConfig: cfg.SessionConfig(),
		Transcriber:   transcriber,
		Chat:          chat,
		Synth:         synth,
	}
	orchCfg := cfg.OrchestratorConfig()

	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	h := handlers.NewHandlers(handlers.Options{
		Config: cfg,
		Pool:   pool,
		NewOrchestrator: func() *voicechat.Orchestrator {
			return voicechat.New(deps, orchCfg, lg)
		},
		Limiter: middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
		Logger:  lg,
	})
	h.Register(engine)

	return &App{Engine: engine, Pool: pool, Cache: c, logger: lg}, nil
}

// Close 关闭识别连接和缓存，HTTP 服务应先停止
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Shutdown()
	}
	if err := a.Cache.Close(); err != nil {
		a.logger.Warn("close cache failed", zap.Error(err))
	}
}
