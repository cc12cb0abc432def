package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/code-100-precent/LingTalk/pkg/metrics"
	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Stats 管道计数快照
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
}

// Pipeline 并发合成文本片段，按序号严格有序地输出音频。
// 序号 0 是首句，不占并发名额，用更短的超时，尽快出声。
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	synth  synthesizer.Synthesizer
	cfg    PipelineConfig
	logger *zap.Logger

	sem    *semaphore.Weighted
	tasks  *xsync.MapOf[int, *Task]
	notify chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	maxSeq        atomic.Int64
	inputComplete atomic.Bool
	consumed      atomic.Bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
}

func NewPipeline(ctx context.Context, synth synthesizer.Synthesizer, cfg PipelineConfig, lg *zap.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	pctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		ctx:    pctx,
		cancel: cancel,
		synth:  synth,
		cfg:    cfg,
		logger: logger.OrNop(lg).With(zap.String("component", "tts_pipeline")),
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		tasks:  xsync.NewMapOf[int, *Task](),
		notify: make(chan struct{}, 1),
	}
	p.maxSeq.Store(-1)
	return p
}

// Submit 提交一个片段。空白文本忽略；管道已取消或清理后丢弃；重复序号忽略。
func (p *Pipeline) Submit(seq int, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	p.mu.Lock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.Unlock()
		p.logger.Debug("drop segment after cancel", zap.Int("seq", seq))
		return
	}
	t := newTask(seq, text)
	if _, loaded := p.tasks.LoadOrStore(seq, t); loaded {
		p.mu.Unlock()
		p.logger.Warn("duplicate segment seq ignored", zap.Int("seq", seq))
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	for {
		cur := p.maxSeq.Load()
		if int64(seq) <= cur || p.maxSeq.CompareAndSwap(cur, int64(seq)) {
			break
		}
	}
	p.submitted.Add(1)
	go p.run(t)
	p.signal()
}

// MarkInputComplete 不会再有新片段
func (p *Pipeline) MarkInputComplete() {
	p.inputComplete.Store(true)
	p.signal()
}

func (p *Pipeline) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run(t *Task) {
	defer p.wg.Done()
	defer p.signal()

	if t.Seq != 0 {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.finishFailed(t, err, false)
			return
		}
		defer p.sem.Release(1)
	}
	t.status.Store(int32(TaskProcessing))

	timeout := p.cfg.TaskTimeout
	if t.Seq == 0 {
		timeout = p.cfg.FirstTaskTimeout
	}
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetry; attempt++ {
		chunks, err := p.attempt(t, timeout)
		if err == nil {
			t.complete(chunks)
			p.completed.Add(1)
			metrics.TtsTasks.WithLabelValues("completed").Inc()
			metrics.TtsTaskDuration.Observe(time.Since(start).Seconds())
			p.logger.Debug("segment synthesized",
				zap.Int("seq", t.Seq),
				zap.Int("chunks", len(chunks)),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)))
			return
		}
		lastErr = err
		if p.ctx.Err() != nil {
			break
		}
		if IsFatal(err, p.cfg.FatalCodes) {
			p.finishFailed(t, err, true)
			return
		}
		if attempt == p.cfg.MaxRetry {
			break
		}
		delay, reason := p.backoff(t.Seq, attempt, err)
		t.retries.Add(1)
		p.retries.Add(1)
		metrics.TtsRetries.WithLabelValues(reason).Inc()
		p.logger.Warn("segment synthesis failed, retrying",
			zap.Int("seq", t.Seq),
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if !sleepCtx(p.ctx, delay) {
			break
		}
	}
	p.finishFailed(t, lastErr, false)
}

func (p *Pipeline) finishFailed(t *Task, err error, fatal bool) {
	t.fail(err, fatal)
	p.failed.Add(1)
	metrics.TtsTasks.WithLabelValues("failed").Inc()
	switch {
	case fatal:
		p.logger.Error("segment synthesis fatal", zap.Int("seq", t.Seq), zap.Error(err))
	case p.ctx.Err() != nil:
		p.logger.Debug("segment cancelled", zap.Int("seq", t.Seq))
	default:
		p.logger.Warn("segment synthesis gave up", zap.Int("seq", t.Seq), zap.Int("retries", t.RetryCount()), zap.Error(err))
	}
}

// attempt 单次合成；失败尝试的音频整体丢弃
func (p *Pipeline) attempt(t *Task, timeout time.Duration) ([][]byte, error) {
	actx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	var chunks [][]byte
	err := p.synth.SynthesizeStream(actx, t.Text, func(b []byte) error {
		if len(b) > 0 {
			chunks = append(chunks, append([]byte(nil), b...))
		}
		return nil
	})
	if err != nil {
		if p.ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTaskTimeout, timeout, err)
		}
		return nil, err
	}
	return chunks, nil
}

// backoff 限流按 base*2^attempt 指数退避，其余固定间隔（首句更短）
func (p *Pipeline) backoff(seq, attempt int, err error) (time.Duration, string) {
	if IsRateLimited(err) {
		return p.cfg.RateLimitBackoff << attempt, "rate_limit"
	}
	reason := "error"
	if IsTimeout(err) {
		reason = "timeout"
	}
	if seq == 0 {
		return p.cfg.FirstRetryBackoff, reason
	}
	return p.cfg.RetryBackoff, reason
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// YieldAudioInOrder 按序号从 0 开始输出音频块。缺失的序号在输入完成后跳过；
// 失败片段静默跳过，致命失败产出 *FatalError 后结束。只能消费一次。
func (p *Pipeline) YieldAudioInOrder(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if !p.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrAlreadyConsumed)
			return
		}
		cursor := 0
		for {
			t, ok := p.tasks.Load(cursor)
			if !ok {
				if p.inputComplete.Load() {
					if int64(cursor) > p.maxSeq.Load() {
						return
					}
					p.logger.Debug("skip missing segment", zap.Int("seq", cursor))
					cursor++
					continue
				}
				if !p.waitNotify(ctx) {
					if ctx.Err() != nil {
						yield(nil, ctx.Err())
					}
					return
				}
				continue
			}

			select {
			case <-t.Done():
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
			p.tasks.Delete(cursor)

			switch t.Status() {
			case TaskCompleted:
				for _, chunk := range t.Chunks() {
					if !yield(chunk, nil) {
						return
					}
				}
			case TaskFailed:
				if t.isFatal() {
					yield(nil, &FatalError{Seq: t.Seq, Err: t.Err()})
					return
				}
				p.logger.Debug("skip failed segment", zap.Int("seq", t.Seq), zap.Error(t.Err()))
			}
			cursor++
		}
	}
}

// waitNotify 等新任务或完成信号，最长 PollInterval；调用方或管道取消时返回 false
func (p *Pipeline) waitNotify(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-p.notify:
	case <-timer.C:
	case <-ctx.Done():
		return false
	case <-p.ctx.Done():
		return false
	}
	return true
}

// Cleanup 取消进行中的任务并等待它们退出，清空任务表。可重复调用。
func (p *Pipeline) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.tasks.Clear()
	p.logger.Debug("tts pipeline cleaned up",
		zap.Int64("submitted", p.submitted.Load()),
		zap.Int64("completed", p.completed.Load()),
		zap.Int64("failed", p.failed.Load()),
		zap.Int64("retries", p.retries.Load()))
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retries:   p.retries.Load(),
	}
}

// Format 输出音频的格式
func (p *Pipeline) Format() synthesizer.Format {
	return p.synth.Format()
}
