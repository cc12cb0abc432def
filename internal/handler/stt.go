package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const warmupTimeout = 15 * time.Second

// STTStatus 返回识别连接池状态
func (h *Handlers) STTStatus(c *gin.Context) {
	if h.pool == nil {
		response.Success(c, "stt pool disabled", gin.H{"enabled": false})
		return
	}
	st := h.pool.Stats()
	response.Success(c, "ok", gin.H{
		"enabled":         true,
		"state":           st.State,
		"taskId":          st.TaskID,
		"leased":          st.Leased,
		"lastActiveAt":    st.LastActiveAt,
		"sessionsCreated": st.SessionsCreated,
		"evictions":       st.Evictions,
		"lastError":       st.LastError,
	})
}

// STTWarmup 提前建好池中会话，第一轮对话不必等握手
func (h *Handlers) STTWarmup(c *gin.Context) {
	creds := h.cfg.Credentials()
	if h.pool == nil || creds.Empty() {
		response.AbortWithStatusJSON(c, http.StatusServiceUnavailable, recognizer.ErrNoCredentials)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), warmupTimeout)
	defer cancel()

	start := time.Now()
	if err := h.pool.EnsureConnected(ctx, creds); err != nil {
		h.logger.Warn("stt warmup failed", zap.Error(err))
		response.AbortWithStatusJSON(c, http.StatusBadGateway, err)
		return
	}
	st := h.pool.Stats()
	response.Success(c, "stt session ready", gin.H{
		"state":     st.State,
		"taskId":    st.TaskID,
		"elapsedMs": time.Since(start).Milliseconds(),
	})
}
