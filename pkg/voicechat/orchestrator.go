package voicechat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/llm"
	"github.com/code-100-precent/LingTalk/pkg/logger"
	"github.com/code-100-precent/LingTalk/pkg/metrics"
	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/splitter"
	"github.com/code-100-precent/LingTalk/pkg/stream"
	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSpeech  = errors.New("voicechat: no speech recognized")
	ErrCancelled = errors.New("voicechat: turn cancelled")
	ErrBusy      = errors.New("voicechat: a turn is already in progress")
)

// Deps 外部能力。Pool 和 Transcriber 可以为空。
type Deps struct {
	Pool          *recognizer.Pool
	Credentials   recognizer.Credentials
	SessionConfig recognizer.SessionConfig
	Transcriber   recognizer.Transcriber
	Chat          llm.ChatStream
	Synth         synthesizer.Synthesizer
}

// Callbacks 一轮对话的事件回调，均可为空。OnComplete 和 OnError 只会触发其一，且只触发一次。
type Callbacks struct {
	OnTranscription func(text string)
	OnResponseDelta func(delta string)
	OnAudioChunk    func(chunk []byte)
	OnComplete      func(res *Result)
	OnError         func(err error)
}

type Result struct {
	TurnID        string `json:"turnId"`
	UserText      string `json:"userText"`
	AssistantText string `json:"assistantText"`
	Audio         []byte `json:"-"`
	Format        string `json:"format"`
	SampleRate    int    `json:"sampleRate"`
	Segments      int    `json:"segments"`
}

// Orchestrator 串起一轮语音对话：识别、流式回复、分句、并发合成、有序输出。
// 同一时刻只处理一轮，历史只保存在内存里。
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	busy atomic.Bool

	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	cancelled atomic.Bool

	historyMu sync.Mutex
	history   []llm.Message
}

func New(deps Deps, cfg Config, lg *zap.Logger) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.OrNop(lg).With(zap.String("component", "voicechat")),
	}
}

// Process 处理一轮对话，返回完整结果；音频同时通过 OnAudioChunk 按序推送
func (o *Orchestrator) Process(ctx context.Context, audio []byte, mimeType string, cb Callbacks) (*Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.busy.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.cancelMu.Lock()
	o.cancel = cancel
	o.cancelled.Store(false)
	o.cancelMu.Unlock()
	defer func() {
		o.cancelMu.Lock()
		o.cancel = nil
		o.cancelMu.Unlock()
	}()

	start := time.Now()
	turnID := uuid.New().String()
	lg := o.logger.With(zap.String("turn_id", turnID))

	res, err := o.process(ctx, lg, turnID, audio, mimeType, cb)
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if o.cancelled.Load() {
			err = ErrCancelled
		}
		metrics.Turns.WithLabelValues(outcome(err)).Inc()
		lg.Warn("voice chat turn failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return res, err
	}

	metrics.Turns.WithLabelValues("completed").Inc()
	lg.Info("voice chat turn completed",
		zap.Int("user_len", len(res.UserText)),
		zap.Int("reply_len", len(res.AssistantText)),
		zap.Int("segments", res.Segments),
		zap.Int("audio_bytes", len(res.Audio)),
		zap.Duration("elapsed", time.Since(start)))
	if cb.OnComplete != nil {
		cb.OnComplete(res)
	}
	return res, nil
}

// Cancel 中止当前轮：停止回复流，之后的句段不再提交合成。可重复调用。
func (o *Orchestrator) Cancel() {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	if o.cancel == nil {
		return
	}
	o.cancelled.Store(true)
	o.cancel()
}

// History 返回历史副本
func (o *Orchestrator) History() []llm.Message {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	return append([]llm.Message(nil), o.history...)
}

func (o *Orchestrator) ResetHistory() {
	o.historyMu.Lock()
	o.history = nil
	o.historyMu.Unlock()
}

func (o *Orchestrator) appendHistory(user, assistant string) {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	o.history = append(o.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant})
	if limit := o.cfg.MaxHistoryTurns * 2; len(o.history) > limit {
		o.history = append([]llm.Message(nil), o.history[len(o.history)-limit:]...)
	}
}

func (o *Orchestrator) process(ctx context.Context, lg *zap.Logger, turnID string, audio []byte, mimeType string, cb Callbacks) (*Result, error) {
	userText, err := o.transcribe(ctx, lg, audio, mimeType)
	if err != nil {
		return nil, err
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, ErrNoSpeech
	}
	lg.Info("user speech recognized", zap.String("text", userText))
	if cb.OnTranscription != nil {
		cb.OnTranscription(userText)
	}

	res, err := o.reply(ctx, lg, userText, cb)
	if res != nil {
		res.TurnID = turnID
		res.UserText = userText
	}
	if err != nil {
		return res, err
	}
	o.appendHistory(userText, res.AssistantText)
	return res, nil
}

// reply 回复流和有序音频输出并发运行，任一方出错都会取消另一方
func (o *Orchestrator) reply(ctx context.Context, lg *zap.Logger, userText string, cb Callbacks) (*Result, error) {
	pipe := stream.NewPipeline(ctx, o.deps.Synth, o.cfg.Pipeline, lg)
	defer pipe.Cleanup()
	sp := splitter.New(o.cfg.Splitter, lg)

	var (
		audio bytes.Buffer
		text  strings.Builder
		seq   int
	)
	submit := func(seg string) {
		if o.cancelled.Load() || strings.TrimSpace(seg) == "" {
			return
		}
		pipe.Submit(seq, seg)
		seq++
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for chunk, err := range pipe.YieldAudioInOrder(gctx) {
			if err != nil {
				return err
			}
			audio.Write(chunk)
			if cb.OnAudioChunk != nil {
				cb.OnAudioChunk(chunk)
			}
		}
		return nil
	})
	g.Go(func() error {
		defer pipe.MarkInputComplete()
		buf := ""
		req := llm.ChatRequest{UserText: userText, History: o.History(), SystemPrompt: o.cfg.SystemPrompt}
		err := o.deps.Chat.Stream(gctx, req, func(token string) error {
			if o.cancelled.Load() {
				return ErrCancelled
			}
			text.WriteString(token)
			if cb.OnResponseDelta != nil {
				cb.OnResponseDelta(token)
			}
			r := sp.Split(buf + token)
			for _, seg := range r.Segments {
				submit(seg)
			}
			buf = r.Remainder
			return nil
		})
		if err != nil {
			return fmt.Errorf("chat stream: %w", err)
		}
		submit(buf)
		return nil
	})
	err := g.Wait()

	format := o.deps.Synth.Format()
	res := &Result{
		AssistantText: text.String(),
		Audio:         audio.Bytes(),
		Format:        format.Encoding,
		SampleRate:    format.SampleRate,
		Segments:      seq,
	}
	if err != nil {
		return res, err
	}
	if st := pipe.Stats(); st.Failed > 0 {
		lg.Warn("some segments were skipped", zap.Int64("failed", st.Failed), zap.Int64("submitted", st.Submitted))
	}
	return res, nil
}

func outcome(err error) string {
	var fe *stream.FatalError
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNoSpeech):
		return "no_speech"
	case errors.As(err, &fe):
		return "tts_fatal"
	default:
		return "error"
	}
}
