package voicechat

import (
	"context"
	"errors"
	"fmt"

	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"go.uber.org/zap"
)

var errSampleRateMismatch = errors.New("audio sample rate does not match the streaming session")

// transcribe 依次尝试：池中会话、一次性会话、非流式识别。
// 流式识别不做重采样，采样率不一致时直接走非流式识别。
func (o *Orchestrator) transcribe(ctx context.Context, lg *zap.Logger, audio []byte, mimeType string) (string, error) {
	want := o.deps.SessionConfig.SampleRate
	if want <= 0 {
		want = recognizer.DefaultSampleRate
	}
	pcm, format, err := recognizer.DecodePCM(audio, mimeType, want)
	if err != nil && o.deps.Transcriber == nil {
		return "", err
	}

	var streamErr error
	switch {
	case err != nil:
		streamErr = err
	case o.deps.Credentials.Empty():
		streamErr = recognizer.ErrNoCredentials
	case format.SampleRate != want || format.Channels != 1 || format.BitsPerSample != 16:
		streamErr = fmt.Errorf("%w: got %dHz/%dch/%dbit", errSampleRateMismatch, format.SampleRate, format.Channels, format.BitsPerSample)
	default:
		text, err := o.streamSTT(ctx, lg, pcm)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		streamErr = err
	}

	if o.deps.Transcriber == nil {
		return "", fmt.Errorf("speech recognition failed: %w", streamErr)
	}
	lg.Warn("streaming stt unavailable, falling back to transcriber", zap.Error(streamErr))
	text, err := o.deps.Transcriber.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return "", fmt.Errorf("speech recognition failed: %w", errors.Join(streamErr, err))
	}
	return text, nil
}

func (o *Orchestrator) streamSTT(ctx context.Context, lg *zap.Logger, pcm []byte) (string, error) {
	chunks := recognizer.Chunk(pcm, o.cfg.ChunkBytes)
	queue := o.deps.SessionConfig.AudioQueueSize
	if queue <= 0 {
		queue = recognizer.DefaultSessionConfig().AudioQueueSize
	}

	// 池中会话的发送队列装不下整段录音时直接用一次性会话，避免丢帧
	if o.deps.Pool != nil && len(chunks) < queue {
		text, err := o.streamPooled(ctx, lg, chunks)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lg.Info("pooled stt failed, using one-shot session", zap.Error(err))
	}
	return o.streamOneShot(ctx, lg, chunks)
}

func (o *Orchestrator) streamPooled(ctx context.Context, lg *zap.Logger, chunks [][]byte) (string, error) {
	if err := o.deps.Pool.EnsureConnected(ctx, o.deps.Credentials); err != nil {
		return "", err
	}
	// 唯一的会话已被别的对话租用，不必等到 AcquireTimeout
	if o.deps.Pool.Stats().Leased {
		return "", recognizer.ErrNotReady
	}
	h := o.deps.Pool.AcquireHandle(ctx, o.cfg.AcquireTimeout)
	if h == nil {
		return "", recognizer.ErrNotReady
	}
	lg.Debug("using pooled stt session", zap.String("task_id", h.TaskID()))
	for _, c := range chunks {
		if err := h.SendAudio(c); err != nil {
			h.Release()
			return "", err
		}
	}
	return bestEffort(h.FinishAndWait(ctx))
}

func (o *Orchestrator) streamOneShot(ctx context.Context, lg *zap.Logger, chunks [][]byte) (string, error) {
	cfg := o.deps.SessionConfig
	if cfg.AudioQueueSize <= len(chunks) {
		cfg.AudioQueueSize = len(chunks) + 1
	}
	s := recognizer.NewSession(cfg, o.deps.Credentials, lg)
	defer s.Cancel()
	if err := s.Start(ctx); err != nil {
		return "", err
	}
	for _, c := range chunks {
		s.SendAudio(c)
	}
	return bestEffort(s.FinishAndWait(ctx))
}

// bestEffort 等待 task-finished 超时但已有识别文本时按成功处理
func bestEffort(text string, err error) (string, error) {
	if errors.Is(err, recognizer.ErrFinishTimeout) && text != "" {
		return text, nil
	}
	return text, err
}
