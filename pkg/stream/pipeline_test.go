package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSynth 按文本返回音频，行为由 fn 决定
type fakeSynth struct {
	fn func(ctx context.Context, text string, call int) error

	mu    sync.Mutex
	calls map[string]int
	times map[string][]time.Time
}

func newFakeSynth(fn func(ctx context.Context, text string, call int) error) *fakeSynth {
	return &fakeSynth{fn: fn, calls: map[string]int{}, times: map[string][]time.Time{}}
}

func (f *fakeSynth) Provider() string { return "fake" }

func (f *fakeSynth) Format() synthesizer.Format {
	return synthesizer.Format{Encoding: "pcm", SampleRate: 16000, Channels: 1, BitDepth: 16}
}

func (f *fakeSynth) CacheKey(text string) string { return text }

func (f *fakeSynth) SynthesizeStream(ctx context.Context, text string, onChunk func([]byte) error) error {
	f.mu.Lock()
	f.calls[text]++
	call := f.calls[text]
	f.times[text] = append(f.times[text], time.Now())
	f.mu.Unlock()
	if f.fn != nil {
		if err := f.fn(ctx, text, call); err != nil {
			return err
		}
	}
	if err := onChunk([]byte(text + "|a")); err != nil {
		return err
	}
	return onChunk([]byte(text + "|b"))
}

func (f *fakeSynth) callCount(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func drain(t *testing.T, p *Pipeline) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []string
	for chunk, err := range p.YieldAudioInOrder(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, string(chunk))
	}
	return out, nil
}

func fastConfig() PipelineConfig {
	return PipelineConfig{
		RetryBackoff:      5 * time.Millisecond,
		FirstRetryBackoff: 5 * time.Millisecond,
		RateLimitBackoff:  5 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}
}

func TestPipelineOutputsInSeqOrder(t *testing.T) {
	// 序号越小越慢，完成顺序与提交顺序相反
	synth := newFakeSynth(func(ctx context.Context, text string, _ int) error {
		var seq int
		fmt.Sscanf(text, "s%d", &seq)
		time.Sleep(time.Duration(5-seq) * 15 * time.Millisecond)
		return nil
	})
	p := NewPipeline(context.Background(), synth, fastConfig(), zap.NewNop())
	defer p.Cleanup()

	for i := 0; i < 5; i++ {
		p.Submit(i, fmt.Sprintf("s%d", i))
	}
	p.MarkInputComplete()

	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"s0|a", "s0|b", "s1|a", "s1|b", "s2|a", "s2|b", "s3|a", "s3|b", "s4|a", "s4|b"}, out)
	assert.Equal(t, Stats{Submitted: 5, Completed: 5}, p.Stats())
}

func TestPipelineConsumerStartsBeforeSubmissions(t *testing.T) {
	p := NewPipeline(context.Background(), newFakeSynth(nil), fastConfig(), zap.NewNop())
	defer p.Cleanup()

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(20 * time.Millisecond)
			p.Submit(i, fmt.Sprintf("t%d", i))
		}
		p.MarkInputComplete()
	}()

	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"t0|a", "t0|b", "t1|a", "t1|b", "t2|a", "t2|b"}, out)
}

func TestPipelineConcurrencyBound(t *testing.T) {
	var inflight, peak atomic.Int32
	synth := newFakeSynth(func(ctx context.Context, text string, _ int) error {
		if text == "s0" {
			return nil
		}
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 5
	p := NewPipeline(context.Background(), synth, cfg, zap.NewNop())
	defer p.Cleanup()

	for i := 0; i < 20; i++ {
		p.Submit(i, fmt.Sprintf("s%d", i))
	}
	p.MarkInputComplete()
	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Len(t, out, 40)
	assert.LessOrEqual(t, peak.Load(), int32(5))
	assert.Equal(t, int32(5), peak.Load())
}

func TestPipelineFirstSegmentBypassesLimiter(t *testing.T) {
	gate := make(chan struct{})
	synth := newFakeSynth(func(ctx context.Context, text string, _ int) error {
		if text == "s0" {
			return nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	p := NewPipeline(context.Background(), synth, cfg, zap.NewNop())
	defer p.Cleanup()

	// s1、s2 先占满唯一的名额
	p.Submit(1, "s1")
	p.Submit(2, "s2")
	require.Eventually(t, func() bool { return synth.callCount("s1") == 1 }, time.Second, 5*time.Millisecond)

	p.Submit(0, "s0")
	task, ok := p.tasks.Load(0)
	require.True(t, ok)
	select {
	case <-task.Done():
		assert.Equal(t, TaskCompleted, task.Status())
	case <-time.After(time.Second):
		t.Fatal("first segment waited for the limiter")
	}
	assert.Equal(t, 0, synth.callCount("s2"))
	close(gate)
}

func TestPipelineFatalCodeAbortsOutput(t *testing.T) {
	synth := newFakeSynth(func(ctx context.Context, text string, _ int) error {
		if text == "s1" {
			return &synthesizer.APIError{Provider: "fake", StatusCode: 403, Code: "DAILY_LIMIT_EXCEEDED", Message: "daily limit"}
		}
		return nil
	})
	p := NewPipeline(context.Background(), synth, fastConfig(), zap.NewNop())
	defer p.Cleanup()

	p.Submit(0, "s0")
	p.Submit(1, "s1")
	p.Submit(2, "s2")
	p.MarkInputComplete()

	out, err := drain(t, p)
	assert.Equal(t, []string{"s0|a", "s0|b"}, out)
	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, fe.Seq)
	var apiErr *synthesizer.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "DAILY_LIMIT_EXCEEDED", apiErr.Code)
	// 致命错误不重试
	assert.Equal(t, 1, synth.callCount("s1"))
}

func TestPipelineRateLimitBackoffGrows(t *testing.T) {
	synth := newFakeSynth(func(ctx context.Context, text string, _ int) error {
		return &synthesizer.APIError{Provider: "fake", StatusCode: 429, Message: "slow down"}
	})
	cfg := fastConfig()
	cfg.RateLimitBackoff = 20 * time.Millisecond
	cfg.MaxRetry = 2
	p := NewPipeline(context.Background(), synth, cfg, zap.NewNop())
	defer p.Cleanup()

	p.Submit(1, "s1")
	p.MarkInputComplete()
	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 3, synth.callCount("s1"))
	assert.Equal(t, int64(2), p.Stats().Retries)
	assert.Equal(t, int64(1), p.Stats().Failed)

	synth.mu.Lock()
	ts := synth.times["s1"]
	synth.mu.Unlock()
	require.Len(t, ts, 3)
	assert.GreaterOrEqual(t, ts[1].Sub(ts[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, ts[2].Sub(ts[1]), 40*time.Millisecond)
}

func TestBackoffSchedule(t *testing.T) {
	p := NewPipeline(context.Background(), newFakeSynth(nil), PipelineConfig{}, zap.NewNop())
	defer p.Cleanup()

	limited := &synthesizer.APIError{StatusCode: 429}
	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d, reason := p.backoff(3, attempt, limited)
		assert.Equal(t, "rate_limit", reason)
		assert.Equal(t, time.Second<<attempt, d)
		assert.Greater(t, d, prev)
		prev = d
	}

	d, reason := p.backoff(0, 1, fmt.Errorf("%w: slow", ErrTaskTimeout))
	assert.Equal(t, "timeout", reason)
	assert.Equal(t, 100*time.Millisecond, d)
	d, reason = p.backoff(4, 1, errors.New("connection reset"))
	assert.Equal(t, "error", reason)
	assert.Equal(t, 300*time.Millisecond, d)
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	synth := newFakeSynth(func(ctx context.Context, text string, call int) error {
		if call == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	p := NewPipeline(context.Background(), synth, fastConfig(), zap.NewNop())
	defer p.Cleanup()

	p.Submit(0, "s0")
	p.MarkInputComplete()
	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"s0|a", "s0|b"}, out)
	assert.Equal(t, 2, synth.callCount("s0"))
	assert.Equal(t, int64(1), p.Stats().Retries)
}

func TestPipelineTimeoutFailsSegment(t *testing.T) {
	synth := newFakeSynth(func(ctx context.Context, text string, _ int) error {
		if text == "slow" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	cfg := fastConfig()
	cfg.TaskTimeout = 30 * time.Millisecond
	cfg.MaxRetry = 1
	p := NewPipeline(context.Background(), synth, cfg, zap.NewNop())
	defer p.Cleanup()

	p.Submit(0, "fast")
	p.Submit(1, "slow")
	p.Submit(2, "after")
	p.MarkInputComplete()

	task, _ := p.tasks.Load(1)
	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"fast|a", "fast|b", "after|a", "after|b"}, out)
	assert.Equal(t, TaskFailed, task.Status())
	assert.ErrorIs(t, task.Err(), ErrTaskTimeout)
	assert.Equal(t, 1, task.RetryCount())
}

func TestPipelineSkipsGapsAfterInputComplete(t *testing.T) {
	p := NewPipeline(context.Background(), newFakeSynth(nil), fastConfig(), zap.NewNop())
	defer p.Cleanup()

	p.Submit(0, "a")
	p.Submit(1, "   ")
	p.Submit(3, "c")
	p.MarkInputComplete()

	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"a|a", "a|b", "c|a", "c|b"}, out)
}

func TestPipelineDuplicateSeqIgnored(t *testing.T) {
	synth := newFakeSynth(nil)
	p := NewPipeline(context.Background(), synth, fastConfig(), zap.NewNop())
	defer p.Cleanup()

	p.Submit(0, "first")
	p.Submit(0, "second")
	p.MarkInputComplete()
	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"first|a", "first|b"}, out)
	assert.Equal(t, 0, synth.callCount("second"))
}

func TestPipelineEmptyInput(t *testing.T) {
	p := NewPipeline(context.Background(), newFakeSynth(nil), fastConfig(), zap.NewNop())
	defer p.Cleanup()
	p.MarkInputComplete()
	out, err := drain(t, p)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestPipelineSingleConsumption(t *testing.T) {
	p := NewPipeline(context.Background(), newFakeSynth(nil), fastConfig(), zap.NewNop())
	defer p.Cleanup()
	p.Submit(0, "x")
	p.MarkInputComplete()

	_, err := drain(t, p)
	require.NoError(t, err)
	_, err = drain(t, p)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestPipelineCleanupCancelsTasks(t *testing.T) {
	started := make(chan struct{}, 4)
	synth := newFakeSynth(func(ctx context.Context, text string, _ int) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewPipeline(context.Background(), synth, fastConfig(), zap.NewNop())
	p.Submit(0, "a")
	p.Submit(1, "b")
	<-started
	<-started

	done := make(chan struct{})
	go func() {
		p.Cleanup()
		p.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cleanup did not return")
	}

	p.Submit(2, "late")
	assert.Equal(t, int64(2), p.Stats().Submitted)
	assert.Equal(t, 0, p.tasks.Size())
}

func TestPipelineConsumerContextCancelled(t *testing.T) {
	p := NewPipeline(context.Background(), newFakeSynth(nil), fastConfig(), zap.NewNop())
	defer p.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	var got error
	for _, err := range p.YieldAudioInOrder(ctx) {
		got = err
	}
	assert.ErrorIs(t, got, context.Canceled)
}

func TestErrorClassification(t *testing.T) {
	codes := DefaultFatalCodes
	tests := []struct {
		name      string
		err       error
		fatal     bool
		limited   bool
		isTimeout bool
	}{
		{"nil", nil, false, false, false},
		{"api fatal code", &synthesizer.APIError{StatusCode: 400, Code: "Arrearage"}, true, false, false},
		{"message fatal code", errors.New("server said TRIAL_EXPIRED"), true, false, false},
		{"quota keyword", errors.New("Insufficient Quota for this key"), true, false, false},
		{"api 429", &synthesizer.APIError{StatusCode: 429}, false, true, false},
		{"throttling text", errors.New("request throttled"), false, true, false},
		{"deadline", context.DeadlineExceeded, false, false, true},
		{"task timeout", fmt.Errorf("%w: x", ErrTaskTimeout), false, false, true},
		{"plain", errors.New("boom"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err, codes))
			assert.Equal(t, tt.limited, IsRateLimited(tt.err))
			assert.Equal(t, tt.isTimeout, IsTimeout(tt.err))
		})
	}
	assert.True(t, strings.Contains((&FatalError{Seq: 2, Err: errors.New("x")}).Error(), "segment 2"))
}
