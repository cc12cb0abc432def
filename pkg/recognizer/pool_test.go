package recognizer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func countingFactory(n *atomic.Int32) PoolOption {
	return WithSessionFactory(func(cfg SessionConfig, creds Credentials, lg *zap.Logger) *Session {
		n.Add(1)
		return NewSession(cfg, creds, lg)
	})
}

func TestPoolConcurrentEnsureConnectedCreatesOneSession(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) { fs.startDelay = 150 * time.Millisecond })
	var created atomic.Int32
	p := NewPool(DefaultPoolConfig(), testSessionConfig(fs), zap.NewNop(), countingFactory(&created))
	defer p.Shutdown()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.EnsureConnected(context.Background(), testCreds)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), fs.runTasks.Load())
	assert.Equal(t, PoolReady, p.State())
	assert.Equal(t, int64(1), p.Stats().SessionsCreated)
}

func TestPoolHandleLifecycle(t *testing.T) {
	fs := newFakeServer(t, nil)
	p := NewPool(DefaultPoolConfig(), testSessionConfig(fs), zap.NewNop())
	defer p.Shutdown()

	require.NoError(t, p.EnsureConnected(context.Background(), testCreds))
	h := p.AcquireHandle(context.Background(), time.Second)
	require.NotNil(t, h)
	assert.True(t, h.Valid())

	// 已租出的会话不能再被第二个调用方拿到
	assert.Nil(t, p.AcquireHandle(context.Background(), 60*time.Millisecond))

	require.NoError(t, h.SendAudio([]byte{1}))
	text, err := h.FinishAndWait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1。", text)

	assert.False(t, h.Valid())
	assert.Equal(t, PoolIdle, p.State())
	assert.ErrorIs(t, h.SendAudio([]byte{2}), ErrHandleInvalid)
	_, err = h.FinishAndWait(context.Background())
	assert.ErrorIs(t, err, ErrHandleInvalid)
}

func TestPoolAcquireWithoutConnection(t *testing.T) {
	p := NewPool(PoolConfig{PollInterval: 10 * time.Millisecond}, DefaultSessionConfig(), zap.NewNop())
	start := time.Now()
	assert.Nil(t, p.AcquireHandle(context.Background(), 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPoolConnectFailureThenRecover(t *testing.T) {
	failing := newFakeServer(t, func(fs *fakeServer) { fs.failStart = true })
	p := NewPool(DefaultPoolConfig(), testSessionConfig(failing), zap.NewNop())
	defer p.Shutdown()

	err := p.EnsureConnected(context.Background(), testCreds)
	assert.True(t, IsTaskError(err))
	assert.Equal(t, PoolError, p.State())
	assert.NotEmpty(t, p.Stats().LastError)

	healthy := newFakeServer(t, nil)
	p.sessCfg = testSessionConfig(healthy)
	require.NoError(t, p.EnsureConnected(context.Background(), testCreds))
	assert.Equal(t, PoolReady, p.State())
}

func TestPoolIdleEviction(t *testing.T) {
	fs := newFakeServer(t, nil)
	cfg := PoolConfig{IdleCheckInterval: 20 * time.Millisecond, IdleTimeout: 120 * time.Millisecond}
	p := NewPool(cfg, testSessionConfig(fs), zap.NewNop())
	defer p.Shutdown()

	require.NoError(t, p.EnsureConnected(context.Background(), testCreds))
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	require.NotNil(t, sess)

	require.Eventually(t, func() bool { return p.State() == PoolIdle }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Evictions)

	// 被回收的会话要真正关闭
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("evicted session was not cancelled")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestPoolActivityResetsIdleTimer(t *testing.T) {
	fs := newFakeServer(t, nil)
	cfg := PoolConfig{IdleCheckInterval: 20 * time.Millisecond, IdleTimeout: 150 * time.Millisecond}
	p := NewPool(cfg, testSessionConfig(fs), zap.NewNop())
	defer p.Shutdown()

	require.NoError(t, p.EnsureConnected(context.Background(), testCreds))
	h := p.AcquireHandle(context.Background(), time.Second)
	require.NotNil(t, h)

	for i := 0; i < 10; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, h.SendAudio([]byte{byte(i)}))
	}
	assert.Equal(t, PoolReady, p.State())

	require.Eventually(t, func() bool { return p.State() == PoolIdle }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, h.SendAudio([]byte{1}), ErrHandleInvalid)
}

func TestPoolShutdownDuringConnect(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) { fs.startDelay = 300 * time.Millisecond })
	p := NewPool(DefaultPoolConfig(), testSessionConfig(fs), zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- p.EnsureConnected(context.Background(), testCreds) }()
	require.Eventually(t, func() bool { return p.State() == PoolConnecting }, time.Second, 5*time.Millisecond)

	p.Shutdown()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureConnected did not return after Shutdown")
	}
	assert.Equal(t, PoolIdle, p.State())

	// Shutdown 之后可以重新建连
	require.NoError(t, p.EnsureConnected(context.Background(), testCreds))
	p.Shutdown()
}

func TestPoolPrewarmAfterUse(t *testing.T) {
	fs := newFakeServer(t, nil)
	cfg := DefaultPoolConfig()
	cfg.Prewarm = true
	p := NewPool(cfg, testSessionConfig(fs), zap.NewNop())
	defer p.Shutdown()

	require.NoError(t, p.EnsureConnected(context.Background(), testCreds))
	h := p.AcquireHandle(context.Background(), time.Second)
	require.NotNil(t, h)
	_, err := h.FinishAndWait(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.State() == PoolReady }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), p.Stats().SessionsCreated)
}

func TestPoolReadyTimeout(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) { fs.silentStart = true })
	p := NewPool(PoolConfig{ReadyTimeout: 80 * time.Millisecond}, testSessionConfig(fs), zap.NewNop())
	defer p.Shutdown()

	assert.ErrorIs(t, p.EnsureConnected(context.Background(), testCreds), ErrReadyTimeout)
	assert.Equal(t, PoolConnecting, p.State())
}
