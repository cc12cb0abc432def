package stream

import (
	"sync"
	"sync/atomic"
)

type TaskStatus int32

const (
	TaskPending TaskStatus = iota
	TaskProcessing
	TaskCompleted
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskProcessing:
		return "processing"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task 一个文本片段的合成任务。done 只关闭一次，取消后仍可等待。
type Task struct {
	Seq  int
	Text string

	status  atomic.Int32
	retries atomic.Int32

	mu     sync.Mutex
	chunks [][]byte
	err    error
	fatal  bool

	done     chan struct{}
	doneOnce sync.Once
}

func newTask(seq int, text string) *Task {
	return &Task{Seq: seq, Text: text, done: make(chan struct{})}
}

func (t *Task) Status() TaskStatus { return TaskStatus(t.status.Load()) }

func (t *Task) RetryCount() int { return int(t.retries.Load()) }

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Chunks 完成后的音频块，按合成顺序
func (t *Task) Chunks() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

func (t *Task) complete(chunks [][]byte) {
	t.mu.Lock()
	t.chunks = chunks
	t.err = nil
	t.mu.Unlock()
	t.status.Store(int32(TaskCompleted))
	t.close()
}

func (t *Task) fail(err error, fatal bool) {
	t.mu.Lock()
	t.chunks = nil
	t.err = err
	t.fatal = fatal
	t.mu.Unlock()
	t.status.Store(int32(TaskFailed))
	t.close()
}

func (t *Task) isFatal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

func (t *Task) close() {
	t.doneOnce.Do(func() { close(t.done) })
}
