package handlers

import (
	"net/http"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/config"
	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/code-100-precent/LingTalk/pkg/middleware"
	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/voicechat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultMaxConversations = 1024
	defaultConversationTTL  = 30 * time.Minute
	defaultMaxAudioBytes    = 10 << 20
)

// Options 组装 Handlers 所需的依赖。Pool 可以为空，此时识别走一次性会话或非流式兜底。
type Options struct {
	Config          *config.Config
	Pool            *recognizer.Pool
	NewOrchestrator func() *voicechat.Orchestrator
	Limiter         *middleware.RateLimiter
	Logger          *zap.Logger

	MaxConversations int
	ConversationTTL  time.Duration
	MaxAudioBytes    int
}

type Handlers struct {
	cfg             *config.Config
	pool            *recognizer.Pool
	newOrchestrator func() *voicechat.Orchestrator
	limiter         *middleware.RateLimiter
	logger          *zap.Logger
	upgrader        websocket.Upgrader
	maxAudioBytes   int

	// conversations 按会话 ID 保存编排器，历史随编排器一起过期
	conversations *expirable.LRU[string, *voicechat.Orchestrator]
}

func NewHandlers(opt Options) *Handlers {
	if opt.MaxConversations <= 0 {
		opt.MaxConversations = defaultMaxConversations
	}
	if opt.ConversationTTL <= 0 {
		opt.ConversationTTL = defaultConversationTTL
	}
	if opt.MaxAudioBytes <= 0 {
		opt.MaxAudioBytes = defaultMaxAudioBytes
	}
	if opt.Limiter == nil {
		opt.Limiter = middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	}
	return &Handlers{
		cfg:             opt.Config,
		pool:            opt.Pool,
		newOrchestrator: opt.NewOrchestrator,
		limiter:         opt.Limiter,
		logger:          logger.OrNop(opt.Logger).Named("handler"),
		maxAudioBytes:   opt.MaxAudioBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conversations: expirable.NewLRU[string, *voicechat.Orchestrator](opt.MaxConversations, nil, opt.ConversationTTL),
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	engine.Use(middleware.CorsMiddleware(), middleware.LoggerMiddleware(h.logger))

	engine.GET("/health", h.HealthCheck)
	engine.GET(h.cfg.Server.MonitorPrefix, gin.WrapH(promhttp.Handler()))

	r := engine.Group(h.cfg.Server.APIPrefix)
	h.registerVoiceRoutes(r)
}

func (h *Handlers) registerVoiceRoutes(r *gin.RouterGroup) {
	voice := r.Group("/voice")
	limited := middleware.RateLimitMiddleware(h.limiter)
	{
		voice.POST("/chat", limited, h.VoiceChat)
		voice.GET("/chat/ws", limited, h.VoiceChatWS)
		voice.DELETE("/conversations/:id", h.ResetConversation)
		voice.GET("/stt/status", h.STTStatus)
		voice.POST("/stt/warmup", limited, h.STTWarmup)
	}
}

// HealthCheck 进程存活即健康；上游可用性看 stt/status
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "name": h.cfg.Server.Name})
}
