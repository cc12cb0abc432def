package recognizer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

var (
	ErrHandshakeTimeout = errors.New("stt: timed out waiting for task-started")
	ErrFinishTimeout    = errors.New("stt: timed out waiting for task-finished")
	ErrSessionClosed    = errors.New("stt: session closed")
	ErrAlreadyStarted   = errors.New("stt: session already started")
	ErrAlreadyFinished  = errors.New("stt: finish already requested")
	ErrNotReady         = errors.New("stt: session not ready")
	ErrReadyTimeout     = errors.New("stt: timed out waiting for pooled connection")
	ErrPoolShutdown     = errors.New("stt: pool shut down")
	// ErrHandleInvalid 池已淘汰或替换了句柄背后的会话，调用方应回退到一次性会话
	ErrHandleInvalid = errors.New("stt: session handle no longer valid")
	ErrNoCredentials = errors.New("stt: missing api key")
)

// TaskError 服务端 task-failed
type TaskError struct {
	TaskID  string
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("stt task %s failed: %s %s", e.TaskID, e.Code, e.Message)
}

// isNormalCloseError 正常关闭的连接错误不作为失败上报
func isNormalCloseError(err error) bool {
	var closeError *websocket.CloseError
	if errors.As(err, &closeError) {
		switch closeError.Code {
		case websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived:
			return true
		}
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
