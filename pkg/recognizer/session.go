package recognizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateTaskStarted
	StateStreaming
	StateFinishing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateTaskStarted:
		return "task_started"
	case StateStreaming:
		return "streaming"
	case StateFinishing:
		return "finishing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type EventKind int

const (
	EventReady EventKind = iota + 1
	// EventPartial Text 为已确认文本加上当前未完成的句子
	EventPartial
	// EventFinal Text 为追加本句后的已确认文本
	EventFinal
	EventFinished
	EventError
)

// Event 会话事件，按服务端到达顺序投递
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Session 一次实时识别任务：一个 WebSocket 连接上只跑一个 run-task。
// 写循环独占音频发送，读循环独占帧读取。
type Session struct {
	cfg    SessionConfig
	creds  Credentials
	dialer *websocket.Dialer
	logger *zap.Logger
	taskID string

	state atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn
	// finalText 只追加
	finalText strings.Builder
	err       error
	usage     float64

	audio       chan []byte
	audioMu     sync.Mutex
	audioClosed bool
	dropped     atomic.Int64

	events       chan Event
	eventsMu     sync.Mutex
	eventsClosed bool

	ctx    context.Context
	cancel context.CancelFunc

	started      atomic.Bool
	finishCalled atomic.Bool
	closing      atomic.Bool

	startedCh    chan struct{}
	startedOnce  sync.Once
	finishedCh   chan struct{}
	finishedOnce sync.Once
	doneCh       chan struct{}
	doneOnce     sync.Once
	errOnce      sync.Once
	cancelOnce   sync.Once
}

func NewSession(cfg SessionConfig, creds Credentials, lg *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	taskID := strings.ReplaceAll(uuid.New().String(), "-", "")
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		creds:  creds,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.OrNop(lg).With(zap.String("task_id", taskID)),
		taskID: taskID,

		audio:      make(chan []byte, cfg.AudioQueueSize),
		events:     make(chan Event, cfg.EventBufferSize),
		startedCh:  make(chan struct{}),
		finishedCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

func (s *Session) TaskID() string { return s.taskID }

func (s *Session) State() State { return State(s.state.Load()) }

// Events 事件流，会话结束后关闭。消费过慢时事件被丢弃，识别文本仍由 FinishAndWait 返回。
func (s *Session) Events() <-chan Event { return s.events }

// Done 读循环退出或会话启动失败后关闭
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) FinalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalText.String()
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// UsageSeconds 服务端在 task-finished 中回报的计费时长
func (s *Session) UsageSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// DroppedChunks 队列满时丢弃的最旧音频块数量
func (s *Session) DroppedChunks() int64 { return s.dropped.Load() }

// Start 建连、发送 run-task 并等待 task-started。
// ctx 只约束握手阶段，握手成功后会话生命周期由 Cancel 或 FinishAndWait 控制。
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.creds.Empty() {
		return s.failStart(ErrNoCredentials)
	}
	s.state.Store(int32(StateConnecting))

	hctx, hcancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer hcancel()
	stop := context.AfterFunc(s.ctx, hcancel)
	defer stop()
	handshakeErr := func(err error) error {
		switch {
		case s.closing.Load():
			return ErrSessionClosed
		case ctx.Err() != nil:
			return ctx.Err()
		case hctx.Err() != nil:
			return ErrHandshakeTimeout
		}
		return err
	}

	conn, resp, err := s.dialer.DialContext(hctx, s.cfg.URL, newAuthHeader(s.creds))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return s.failStart(fmt.Errorf("dial stt: %w", handshakeErr(err)))
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.closing.Load() {
		_ = conn.Close()
		return s.failStart(ErrSessionClosed)
	}

	go s.readLoop(conn)

	payload, err := newRunTask(s.taskID, s.cfg)
	if err != nil {
		return s.failStart(err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return s.failStart(fmt.Errorf("send run-task: %w", err))
	}
	s.logger.Debug("run-task sent", zap.String("model", s.cfg.Model), zap.Int("sample_rate", s.cfg.SampleRate))

	select {
	case <-s.startedCh:
	case <-s.doneCh:
		err := s.Err()
		if err == nil {
			err = ErrSessionClosed
		}
		return s.failStart(err)
	case <-hctx.Done():
		return s.failStart(handshakeErr(ErrHandshakeTimeout))
	}

	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateTaskStarted)) {
		return s.failStart(ErrSessionClosed)
	}
	s.state.Store(int32(StateStreaming))
	s.emit(Event{Kind: EventReady})
	go s.writeLoop(conn)
	s.logger.Info("stt session ready")
	return nil
}

// SendAudio 非阻塞入队；会话结束或正在结束时丢弃。队列满时丢弃最旧的块。
func (s *Session) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	switch s.State() {
	case StateFinishing, StateClosed, StateFailed:
		return
	}
	buf := append([]byte(nil), chunk...)

	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.audioClosed {
		return
	}
	for {
		select {
		case s.audio <- buf:
			return
		default:
		}
		select {
		case <-s.audio:
			s.dropped.Add(1)
		default:
		}
	}
}

// FinishAndWait 关闭音频队列，写循环发完剩余音频后发送 finish-task，
// 然后只等待 task-finished 而不是整个读循环退出。超时也返回已确认的文本。
func (s *Session) FinishAndWait(ctx context.Context) (string, error) {
	if !s.finishCalled.CompareAndSwap(false, true) {
		return s.FinalText(), ErrAlreadyFinished
	}
	if !s.state.CompareAndSwap(int32(StateStreaming), int32(StateFinishing)) {
		err := s.Err()
		if err == nil {
			err = ErrNotReady
		}
		return s.FinalText(), err
	}
	s.closeAudio()

	timer := time.NewTimer(s.cfg.FinishTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-s.finishedCh:
	case <-s.doneCh:
		err = s.Err()
		select {
		case <-s.finishedCh:
			err = nil
		default:
			if err == nil {
				err = ErrSessionClosed
			}
		}
	case <-timer.C:
		err = ErrFinishTimeout
		s.logger.Warn("stt finish timed out", zap.Duration("timeout", s.cfg.FinishTimeout))
	case <-ctx.Done():
		err = ctx.Err()
	}
	text := s.FinalText()
	s.Cancel()
	return text, err
}

// Cancel 幂等且不阻塞
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.closing.Store(true)
		s.closeAudio()
		s.cancel()
		for {
			cur := s.state.Load()
			if State(cur) == StateFailed || State(cur) == StateClosed {
				break
			}
			if s.state.CompareAndSwap(cur, int32(StateClosed)) {
				break
			}
		}
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			s.finish()
			return
		}
		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = conn.Close()
		}()
	})
}

func (s *Session) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk, ok := <-s.audio:
			if !ok {
				if !s.closing.Load() {
					s.sendFinish(conn)
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				if !s.closing.Load() {
					s.fail(fmt.Errorf("send audio: %w", err))
				}
				return
			}
		}
	}
}

func (s *Session) sendFinish(conn *websocket.Conn) {
	payload, err := newFinishTask(s.taskID)
	if err != nil {
		s.fail(err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !s.closing.Load() {
			s.fail(fmt.Errorf("send finish-task: %w", err))
		}
		return
	}
	s.logger.Debug("finish-task sent", zap.Int64("dropped_chunks", s.dropped.Load()))
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.finish()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if s.closing.Load() || isNormalCloseError(err) {
				s.logger.Debug("stt read loop closed", zap.Error(err))
				return
			}
			s.fail(fmt.Errorf("read stt frame: %w", err))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := decodeServerMessage(data)
		if err != nil {
			s.logger.Warn("ignore malformed stt frame", zap.Error(err))
			continue
		}
		if !s.dispatch(msg) {
			return
		}
	}
}

// dispatch 返回 false 时读循环退出
func (s *Session) dispatch(msg *ServerMessage) bool {
	switch msg.Header.Event {
	case EventTaskStarted:
		s.startedOnce.Do(func() { close(s.startedCh) })
	case EventResultGenerated:
		sentence := msg.Payload.Output.Sentence
		if sentence == nil || sentence.Heartbeat {
			return true
		}
		s.mu.Lock()
		if sentence.SentenceEnd {
			s.finalText.WriteString(sentence.Text)
		}
		committed := s.finalText.String()
		s.mu.Unlock()
		if sentence.SentenceEnd {
			s.emit(Event{Kind: EventFinal, Text: committed})
		} else {
			s.emit(Event{Kind: EventPartial, Text: committed + sentence.Text})
		}
	case EventTaskFinished:
		s.mu.Lock()
		if u := msg.Payload.Usage; u != nil {
			s.usage = u.Duration
		}
		text := s.finalText.String()
		s.mu.Unlock()
		s.state.CompareAndSwap(int32(StateFinishing), int32(StateClosed))
		s.finishedOnce.Do(func() { close(s.finishedCh) })
		s.emit(Event{Kind: EventFinished, Text: text})
		s.logger.Info("stt task finished", zap.Int("text_len", len(text)))
	case EventTaskFailed:
		s.fail(&TaskError{TaskID: s.taskID, Code: msg.Header.ErrorCode, Message: msg.Header.ErrorMessage})
		return false
	default:
		s.logger.Debug("unknown stt event", zap.String("event", msg.Header.Event))
	}
	return true
}

// fail 记录首个错误并结束会话，错误事件只投递一次
func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.state.Store(int32(StateFailed))
		s.logger.Warn("stt session failed", zap.Error(err))
		s.emit(Event{Kind: EventError, Err: err})
		s.Cancel()
	})
}

func (s *Session) failStart(err error) error {
	s.fail(err)
	s.finish()
	return err
}

func (s *Session) finish() {
	s.doneOnce.Do(func() {
		close(s.doneCh)
		s.eventsMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.eventsMu.Unlock()
	})
}

func (s *Session) emit(ev Event) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("stt event dropped", zap.Int("kind", int(ev.Kind)))
	}
}

func (s *Session) closeAudio() {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if !s.audioClosed {
		s.audioClosed = true
		close(s.audio)
	}
}

// IsTaskError 判断错误是否来自服务端 task-failed
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}
