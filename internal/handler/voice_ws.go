package handlers

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingTalk/pkg/response"
	"github.com/code-100-precent/LingTalk/pkg/voicechat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 客户端控制消息
const (
	wsTypeStart  = "start"
	wsTypeEnd    = "end"
	wsTypeCancel = "cancel"
	wsTypeReset  = "reset"
)

// 服务端事件
const (
	wsEventTranscription = "transcription"
	wsEventDelta         = "delta"
	wsEventComplete      = "complete"
	wsEventError         = "error"
)

const wsWriteTimeout = 10 * time.Second

type wsControl struct {
	Type     string `json:"type"`
	MimeType string `json:"mime_type,omitempty"`
}

type wsEvent struct {
	Type          string `json:"type"`
	Text          string `json:"text,omitempty"`
	TurnID        string `json:"turnId,omitempty"`
	UserText      string `json:"userText,omitempty"`
	AssistantText string `json:"assistantText,omitempty"`
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sampleRate,omitempty"`
	Segments      int    `json:"segments,omitempty"`
	Error         string `json:"error,omitempty"`
	Message       string `json:"message,omitempty"`
}

// wsConn gorilla 的连接不允许并发写，回复增量和音频来自不同 goroutine
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) writeJSON(ev wsEvent) error {
	data, err := sonic.Marshal(&ev)
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, data)
}

func (w *wsConn) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) writeError(err error) error {
	_, msg, code := response.ErrorInfo(err)
	return w.writeJSON(wsEvent{Type: wsEventError, Error: code, Message: msg})
}

// VoiceChatWS 二进制帧为录音，{"type":"end"} 结束本轮输入并开始处理，
// {"type":"cancel"} 取消进行中的一轮。同一连接内的多轮共享对话历史。
func (h *Handlers) VoiceChatWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(h.maxAudioBytes))

	ws := &wsConn{conn: conn}
	orch := h.newOrchestrator()
	lg := h.logger.With(zap.String("remote", c.ClientIP()))
	lg.Info("voice websocket connected")

	var (
		audio    bytes.Buffer
		mimeType string
		turns    sync.WaitGroup
	)
	defer func() {
		orch.Cancel()
		turns.Wait()
		lg.Info("voice websocket closed")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				lg.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if mt == websocket.BinaryMessage {
			if audio.Len()+len(data) > h.maxAudioBytes {
				_ = ws.writeJSON(wsEvent{Type: wsEventError, Error: "AUDIO_TOO_LARGE", Message: errAudioTooLarge.Error()})
				audio.Reset()
				continue
			}
			audio.Write(data)
			continue
		}

		var ctl wsControl
		if err := sonic.Unmarshal(data, &ctl); err != nil {
			_ = ws.writeJSON(wsEvent{Type: wsEventError, Error: "BAD_MESSAGE", Message: err.Error()})
			continue
		}
		switch ctl.Type {
		case wsTypeStart:
			audio.Reset()
			mimeType = ctl.MimeType
		case wsTypeEnd:
			if ctl.MimeType != "" {
				mimeType = ctl.MimeType
			}
			recording := bytes.Clone(audio.Bytes())
			audio.Reset()
			turns.Add(1)
			go func() {
				defer turns.Done()
				h.runTurn(c, ws, orch, recording, mimeType)
			}()
		case wsTypeCancel:
			orch.Cancel()
		case wsTypeReset:
			orch.ResetHistory()
		default:
			_ = ws.writeJSON(wsEvent{Type: wsEventError, Error: "BAD_MESSAGE", Message: "unknown message type " + ctl.Type})
		}
	}
}

// runTurn 的错误只通过 error 事件返回给客户端；写失败说明连接已断，读循环会收尾
func (h *Handlers) runTurn(c *gin.Context, ws *wsConn, orch *voicechat.Orchestrator, audio []byte, mimeType string) {
	ctx, cancel := h.turnContext(c.Request.Context())
	defer cancel()
	_, err := orch.Process(ctx, audio, mimeType, voicechat.Callbacks{
		OnTranscription: func(text string) {
			_ = ws.writeJSON(wsEvent{Type: wsEventTranscription, Text: text})
		},
		OnResponseDelta: func(delta string) {
			_ = ws.writeJSON(wsEvent{Type: wsEventDelta, Text: delta})
		},
		OnAudioChunk: func(chunk []byte) {
			_ = ws.write(websocket.BinaryMessage, chunk)
		},
		OnComplete: func(res *voicechat.Result) {
			_ = ws.writeJSON(wsEvent{
				Type:          wsEventComplete,
				TurnID:        res.TurnID,
				UserText:      res.UserText,
				AssistantText: res.AssistantText,
				Format:        res.Format,
				SampleRate:    res.SampleRate,
				Segments:      res.Segments,
			})
		},
		OnError: func(err error) {
			_ = ws.writeError(err)
		},
	})
	// 忙碌时 Process 不会触发回调
	if errors.Is(err, voicechat.ErrBusy) {
		_ = ws.writeError(err)
	}
}
