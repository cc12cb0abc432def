package recognizer

import (
	"context"
	"sync/atomic"
)

// Handle 租用池中当前会话的引用，不拥有会话。
// 池淘汰或替换会话后，句柄操作返回 ErrHandleInvalid。
type Handle struct {
	pool     *Pool
	session  *Session
	released atomic.Bool
}

func (h *Handle) Valid() bool {
	return !h.released.Load() && h.pool.isCurrent(h.session)
}

func (h *Handle) TaskID() string {
	return h.session.TaskID()
}

func (h *Handle) Events() <-chan Event {
	return h.session.Events()
}

func (h *Handle) SendAudio(chunk []byte) error {
	if h.released.Load() || !h.pool.touch(h.session) {
		return ErrHandleInvalid
	}
	h.session.SendAudio(chunk)
	return nil
}

// FinishAndWait 结束识别任务并把会话还给池（池随即丢弃它）
func (h *Handle) FinishAndWait(ctx context.Context) (string, error) {
	if h.released.Load() || !h.pool.touch(h.session) {
		return "", ErrHandleInvalid
	}
	text, err := h.session.FinishAndWait(ctx)
	h.Release()
	return text, err
}

// Release 放弃句柄；幂等
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.pool.release(h.session)
	}
}
