package recognizer

import (
	"context"
	"sync"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/code-100-precent/LingTalk/pkg/metrics"
	"go.uber.org/zap"
)

type PoolState int32

const (
	PoolIdle PoolState = iota
	PoolConnecting
	PoolReady
	PoolError
)

var poolStates = []string{"idle", "connecting", "ready", "error"}

func (s PoolState) String() string {
	if int(s) < len(poolStates) {
		return poolStates[s]
	}
	return "unknown"
}

// PoolStats 连接池状态快照
type PoolStats struct {
	State           string    `json:"state"`
	TaskID          string    `json:"taskId,omitempty"`
	Leased          bool      `json:"leased"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
	SessionsCreated int64     `json:"sessionsCreated"`
	Evictions       int64     `json:"evictions"`
	LastError       string    `json:"lastError,omitempty"`
}

// SessionFactory 创建未启动的会话
type SessionFactory func(cfg SessionConfig, creds Credentials, lg *zap.Logger) *Session

type PoolOption func(*Pool)

func WithSessionFactory(f SessionFactory) PoolOption {
	return func(p *Pool) { p.newSession = f }
}

// Pool 保持一个预先握手好的识别会话，第一句话不必等建连。
// 同一时刻只有一个当前会话；会话被一个句柄租用后只服务一轮对话。
// 所有可变状态由 mu 保护。
type Pool struct {
	cfg        PoolConfig
	sessCfg    SessionConfig
	logger     *zap.Logger
	newSession SessionFactory

	mu            sync.Mutex
	state         PoolState
	session       *Session
	leased        bool
	creds         Credentials
	lastActive    time.Time
	lastErr       error
	readyCh       chan struct{}
	connectCancel context.CancelFunc
	watcherCancel context.CancelFunc
	created       int64
	evictions     int64
}

func NewPool(cfg PoolConfig, sessCfg SessionConfig, lg *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		sessCfg:    sessCfg,
		logger:     logger.OrNop(lg).With(zap.String("component", "stt_pool")),
		newSession: NewSession,
	}
	for _, opt := range opts {
		opt(p)
	}
	metrics.SetPoolState(PoolIdle.String(), poolStates)
	return p
}

func (p *Pool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) LastActiveAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActive
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		State:           p.state.String(),
		Leased:          p.leased,
		LastActiveAt:    p.lastActive,
		SessionsCreated: p.created,
		Evictions:       p.evictions,
	}
	if p.session != nil {
		st.TaskID = p.session.TaskID()
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// EnsureConnected 保证池中有可用会话。Ready 时只刷新活跃时间；
// Connecting 时等待同一次建连；Idle/Error 时发起新建连。最长等待 ReadyTimeout。
func (p *Pool) EnsureConnected(ctx context.Context, creds Credentials) error {
	p.mu.Lock()
	switch p.state {
	case PoolReady:
		p.lastActive = time.Now()
		p.mu.Unlock()
		return nil
	case PoolConnecting:
		ch := p.readyCh
		p.mu.Unlock()
		return p.waitReady(ctx, ch)
	default:
		ch := p.connectLocked(creds)
		p.mu.Unlock()
		return p.waitReady(ctx, ch)
	}
}

func (p *Pool) connectLocked(creds Credentials) chan struct{} {
	sess := p.newSession(p.sessCfg, creds, p.logger)
	cctx, cancel := context.WithCancel(context.Background())
	ch := make(chan struct{})

	p.session = sess
	p.leased = false
	p.creds = creds
	p.readyCh = ch
	p.connectCancel = cancel
	p.lastErr = nil
	p.created++
	p.setStateLocked(PoolConnecting)
	metrics.SttSessionsCreated.Inc()

	go func() {
		err := sess.Start(cctx)
		cancel()

		p.mu.Lock()
		defer close(ch)
		defer p.mu.Unlock()

		if p.session != sess {
			// 建连期间被 Shutdown 或替换
			sess.Cancel()
			return
		}
		p.connectCancel = nil
		if err != nil {
			p.session = nil
			p.lastErr = err
			p.setStateLocked(PoolError)
			p.logger.Warn("stt pool connect failed", zap.Error(err))
			return
		}
		p.lastActive = time.Now()
		p.setStateLocked(PoolReady)
		wctx, wcancel := context.WithCancel(context.Background())
		p.watcherCancel = wcancel
		go p.watchIdle(wctx, sess)
		go p.watchSession(sess)
		p.logger.Info("stt pool ready", zap.String("task_id", sess.TaskID()))
	}()
	return ch
}

func (p *Pool) waitReady(ctx context.Context, ch <-chan struct{}) error {
	timer := time.NewTimer(p.cfg.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		return ErrReadyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PoolReady {
		return nil
	}
	if p.lastErr != nil {
		return p.lastErr
	}
	return ErrNotReady
}

// AcquireHandle Ready 且未被租用时立即返回句柄，否则按 PollInterval 轮询直到 timeout。
// 返回 nil 时调用方应使用一次性会话。
func (p *Pool) AcquireHandle(ctx context.Context, timeout time.Duration) *Handle {
	if h := p.tryLease(); h != nil {
		return h
	}
	if timeout <= 0 {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return p.tryLease()
		case <-ticker.C:
			if h := p.tryLease(); h != nil {
				return h
			}
		}
	}
}

func (p *Pool) tryLease() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PoolReady || p.session == nil || p.leased {
		return nil
	}
	p.leased = true
	p.lastActive = time.Now()
	return &Handle{pool: p, session: p.session}
}

// Shutdown 取消空闲检测和进行中的建连，关闭当前会话，回到 Idle。之后仍可再次 EnsureConnected。
func (p *Pool) Shutdown() {
	p.mu.Lock()
	sess := p.detachLocked()
	p.lastErr = ErrPoolShutdown
	if p.connectCancel != nil {
		p.connectCancel()
		p.connectCancel = nil
	}
	p.mu.Unlock()
	if sess != nil {
		sess.Cancel()
	}
	p.logger.Info("stt pool shutdown")
}

// detachLocked 让当前会话脱离连接池，已发出的句柄随之失效
func (p *Pool) detachLocked() *Session {
	sess := p.session
	p.session = nil
	p.leased = false
	if p.watcherCancel != nil {
		p.watcherCancel()
		p.watcherCancel = nil
	}
	p.setStateLocked(PoolIdle)
	return sess
}

func (p *Pool) setStateLocked(s PoolState) {
	p.state = s
	metrics.SetPoolState(s.String(), poolStates)
}

// touch 刷新活跃时间；会话已不是当前会话时返回 false
func (p *Pool) touch(sess *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != sess {
		return false
	}
	p.lastActive = time.Now()
	return true
}

func (p *Pool) isCurrent(sess *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session == sess
}

// release 句柄用完会话后调用；会话只跑一个任务，用完即丢
func (p *Pool) release(sess *Session) {
	p.mu.Lock()
	var prewarm bool
	var creds Credentials
	if p.session == sess {
		p.detachLocked()
		prewarm = p.cfg.Prewarm && !p.creds.Empty()
		creds = p.creds
	}
	p.mu.Unlock()
	sess.Cancel()

	if prewarm {
		go func() {
			if err := p.EnsureConnected(context.Background(), creds); err != nil {
				p.logger.Warn("stt pool prewarm failed", zap.Error(err))
			}
		}()
	}
}

func (p *Pool) watchIdle(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(p.cfg.IdleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		if p.session != sess || p.state != PoolReady {
			p.mu.Unlock()
			return
		}
		idle := time.Since(p.lastActive)
		if idle < p.cfg.IdleTimeout {
			p.mu.Unlock()
			continue
		}
		p.detachLocked()
		p.evictions++
		p.mu.Unlock()

		metrics.SttPoolEvictions.Inc()
		p.logger.Info("stt pool evicted idle session",
			zap.String("task_id", sess.TaskID()),
			zap.Duration("idle", idle))
		sess.Cancel()
		return
	}
}

// watchSession 会话被服务端关闭时让池回到 Idle
func (p *Pool) watchSession(sess *Session) {
	<-sess.Done()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == sess {
		p.detachLocked()
		p.logger.Info("stt pool session ended", zap.String("task_id", sess.TaskID()), zap.Error(sess.Err()))
	}
}
