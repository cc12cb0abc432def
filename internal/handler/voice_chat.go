package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/code-100-precent/LingTalk/pkg/response"
	"github.com/code-100-precent/LingTalk/pkg/voicechat"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errAudioTooLarge = errors.New("audio exceeds size limit")

// VoiceChatResponse 一轮对话的 HTTP 响应，音频以 base64 返回
type VoiceChatResponse struct {
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
	UserText       string `json:"userText"`
	AssistantText  string `json:"assistantText"`
	Audio          string `json:"audio"`
	Format         string `json:"format"`
	SampleRate     int    `json:"sampleRate"`
	Segments       int    `json:"segments"`
}

// VoiceChat 上传一段录音，完成识别、回复和合成后一次性返回
func (h *Handlers) VoiceChat(c *gin.Context) {
	file, err := c.FormFile("audio")
	if err != nil {
		response.Fail(c, "Invalid parameters", "audio file is required")
		return
	}
	if file.Size > int64(h.maxAudioBytes) {
		response.Fail(c, "Invalid parameters", errAudioTooLarge.Error())
		return
	}
	f, err := file.Open()
	if err != nil {
		response.Fail(c, "Invalid parameters", err.Error())
		return
	}
	audio, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		response.Fail(c, "Invalid parameters", err.Error())
		return
	}

	mimeType := c.PostForm("mime_type")
	if mimeType == "" {
		mimeType = file.Header.Get("Content-Type")
	}
	conversationID, orch := h.conversation(c.PostForm("conversation_id"))

	ctx, cancel := h.turnContext(c.Request.Context())
	defer cancel()
	res, err := orch.Process(ctx, audio, mimeType, voicechat.Callbacks{})
	if err != nil {
		h.logger.Warn("voice chat failed",
			zap.String("conversation_id", conversationID),
			zap.Int("audio_bytes", len(audio)),
			zap.Error(err))
		response.AbortWithStatusJSON(c, http.StatusInternalServerError, err)
		return
	}

	response.Success(c, "ok", VoiceChatResponse{
		ConversationID: conversationID,
		TurnID:         res.TurnID,
		UserText:       res.UserText,
		AssistantText:  res.AssistantText,
		Audio:          base64.StdEncoding.EncodeToString(res.Audio),
		Format:         res.Format,
		SampleRate:     res.SampleRate,
		Segments:       res.Segments,
	})
}

// ResetConversation 丢弃会话历史
func (h *Handlers) ResetConversation(c *gin.Context) {
	id := c.Param("id")
	if orch, ok := h.conversations.Peek(id); ok {
		orch.Cancel()
		h.conversations.Remove(id)
		response.Success(c, "conversation reset", gin.H{"conversationId": id})
		return
	}
	response.Result(c, http.StatusNotFound, http.StatusNotFound, fmt.Sprintf("conversation %s not found", id), nil)
}

// conversation 按 ID 取出编排器，ID 为空或已过期时新建
func (h *Handlers) conversation(id string) (string, *voicechat.Orchestrator) {
	if id != "" {
		if orch, ok := h.conversations.Get(id); ok {
			return id, orch
		}
	} else {
		id = uuid.New().String()
	}
	orch := h.newOrchestrator()
	h.conversations.Add(id, orch)
	return id, orch
}

func (h *Handlers) turnContext(parent context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.VoiceChat.TurnTimeout > 0 {
		return context.WithTimeout(parent, h.cfg.VoiceChat.TurnTimeout)
	}
	return context.WithCancel(parent)
}
