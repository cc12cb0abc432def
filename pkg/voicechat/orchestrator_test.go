package voicechat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/stream"
	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var replyTokens = []string{"好的，", "今天天气", "不错。", "明天可能会下雨，记得带伞。"}

const replyAudio = "[好的，][今天天气不错。][明天可能会下雨，记得带伞。]"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SystemPrompt = "你是语音助手"
	cfg.Pipeline.RetryBackoff = 5 * time.Millisecond
	cfg.Pipeline.FirstRetryBackoff = 5 * time.Millisecond
	cfg.Pipeline.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestOrchestrator(t *testing.T, stt *sttServer, chat *fakeChat, synth *fakeSynth, mod func(*Deps)) *Orchestrator {
	t.Helper()
	deps := Deps{
		Credentials:   recognizer.Credentials{APIKey: "sk-test"},
		SessionConfig: stt.sessionConfig(),
		Chat:          chat,
		Synth:         synth,
	}
	if mod != nil {
		mod(&deps)
	}
	return New(deps, testConfig(), zap.NewNop())
}

type recorder struct {
	mu            sync.Mutex
	transcription string
	deltas        []string
	audio         []string
	completed     int
	errs          []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTranscription: func(text string) {
			r.mu.Lock()
			r.transcription = text
			r.mu.Unlock()
		},
		OnResponseDelta: func(d string) {
			r.mu.Lock()
			r.deltas = append(r.deltas, d)
			r.mu.Unlock()
		},
		OnAudioChunk: func(c []byte) {
			r.mu.Lock()
			r.audio = append(r.audio, string(c))
			r.mu.Unlock()
		},
		OnComplete: func(*Result) {
			r.mu.Lock()
			r.completed++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func TestProcessFullTurnWithPool(t *testing.T) {
	stt := newSTTServer(t, "今天天气怎么样？", false)
	pool := recognizer.NewPool(recognizer.DefaultPoolConfig(), stt.sessionConfig(), zap.NewNop())
	defer pool.Shutdown()
	chat := &fakeChat{tokens: replyTokens}
	o := newTestOrchestrator(t, stt, chat, &fakeSynth{}, func(d *Deps) { d.Pool = pool })

	rec := &recorder{}
	res, err := o.Process(context.Background(), testAudio(), "audio/wav", rec.callbacks())
	require.NoError(t, err)

	assert.Equal(t, "今天天气怎么样？", res.UserText)
	assert.Equal(t, strings.Join(replyTokens, ""), res.AssistantText)
	assert.Equal(t, replyAudio, string(res.Audio))
	assert.Equal(t, "pcm", res.Format)
	assert.Equal(t, 24000, res.SampleRate)
	assert.Equal(t, 3, res.Segments)
	assert.NotEmpty(t, res.TurnID)

	assert.Equal(t, "今天天气怎么样？", rec.transcription)
	assert.Equal(t, replyTokens, rec.deltas)
	assert.Equal(t, replyAudio, strings.Join(rec.audio, ""))
	assert.Equal(t, 1, rec.completed)
	assert.Empty(t, rec.errs)

	assert.Equal(t, int64(1), pool.Stats().SessionsCreated)
	assert.Equal(t, int32(5), stt.frames.Load()) // 16000 字节 / 3200
	assert.Equal(t, "你是语音助手", chat.lastRequest().SystemPrompt)
	assert.Len(t, o.History(), 2)
}

func TestProcessLeasedPoolUsesOneShotWithoutWaiting(t *testing.T) {
	stt := newSTTServer(t, "你好。", false)
	pool := recognizer.NewPool(recognizer.DefaultPoolConfig(), stt.sessionConfig(), zap.NewNop())
	defer pool.Shutdown()
	creds := recognizer.Credentials{APIKey: "sk-test"}
	require.NoError(t, pool.EnsureConnected(context.Background(), creds))
	// 另一个对话占着池里唯一的会话
	other := pool.AcquireHandle(context.Background(), time.Second)
	require.NotNil(t, other)
	defer other.Release()

	o := newTestOrchestrator(t, stt, &fakeChat{tokens: replyTokens}, &fakeSynth{}, func(d *Deps) { d.Pool = pool })
	start := time.Now()
	res, err := o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "你好。", res.UserText)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), pool.Stats().SessionsCreated)
	assert.True(t, other.Valid())
}

func TestProcessOneShotSessionWithoutPool(t *testing.T) {
	stt := newSTTServer(t, "你好。", false)
	o := newTestOrchestrator(t, stt, &fakeChat{tokens: replyTokens}, &fakeSynth{}, nil)

	res, err := o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "你好。", res.UserText)
	assert.Equal(t, replyAudio, string(res.Audio))
}

func TestProcessFallsBackToTranscriber(t *testing.T) {
	stt := newSTTServer(t, "", true)
	tr := &fakeTranscriber{text: "从兜底识别来"}
	o := newTestOrchestrator(t, stt, &fakeChat{tokens: replyTokens}, &fakeSynth{}, func(d *Deps) { d.Transcriber = tr })

	res, err := o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "从兜底识别来", res.UserText)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestProcessSampleRateMismatchUsesTranscriber(t *testing.T) {
	stt := newSTTServer(t, "unused", false)
	tr := &fakeTranscriber{text: "8k audio"}
	o := newTestOrchestrator(t, stt, &fakeChat{tokens: replyTokens}, &fakeSynth{}, func(d *Deps) { d.Transcriber = tr })

	audio := recognizer.EncodeWAV(make([]byte, 1600), recognizer.AudioFormat{SampleRate: 8000, Channels: 1, BitsPerSample: 16})
	res, err := o.Process(context.Background(), audio, "audio/wav", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "8k audio", res.UserText)
	assert.Equal(t, int32(0), stt.frames.Load())
}

func TestProcessSttFailureWithoutFallback(t *testing.T) {
	stt := newSTTServer(t, "", true)
	o := newTestOrchestrator(t, stt, &fakeChat{tokens: replyTokens}, &fakeSynth{}, nil)

	rec := &recorder{}
	_, err := o.Process(context.Background(), testAudio(), "audio/wav", rec.callbacks())
	require.Error(t, err)
	assert.True(t, recognizer.IsTaskError(err))
	assert.Len(t, rec.errs, 1)
	assert.Zero(t, rec.completed)
}

func TestProcessNoSpeech(t *testing.T) {
	stt := newSTTServer(t, "", false)
	chat := &fakeChat{tokens: replyTokens}
	o := newTestOrchestrator(t, stt, chat, &fakeSynth{}, nil)

	rec := &recorder{}
	_, err := o.Process(context.Background(), testAudio(), "audio/wav", rec.callbacks())
	assert.ErrorIs(t, err, ErrNoSpeech)
	assert.Len(t, rec.errs, 1)
	assert.Empty(t, chat.reqs)
}

func TestProcessUnsupportedAudio(t *testing.T) {
	stt := newSTTServer(t, "x", false)
	o := newTestOrchestrator(t, stt, &fakeChat{}, &fakeSynth{}, nil)
	_, err := o.Process(context.Background(), []byte("ID3..."), "audio/mpeg", Callbacks{})
	assert.ErrorIs(t, err, recognizer.ErrUnsupportedAudio)
}

func TestProcessFatalTtsErrorAbortsTurn(t *testing.T) {
	stt := newSTTServer(t, "你好。", false)
	synth := &fakeSynth{fail: func(text string) error {
		if strings.Contains(text, "不错") {
			return &synthesizer.APIError{Provider: "fake", StatusCode: 403, Code: "QUOTA_EXCEEDED"}
		}
		return nil
	}}
	o := newTestOrchestrator(t, stt, &fakeChat{tokens: replyTokens}, synth, nil)

	rec := &recorder{}
	res, err := o.Process(context.Background(), testAudio(), "audio/wav", rec.callbacks())
	var fe *stream.FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, fe.Seq)
	assert.Equal(t, "[好的，]", string(res.Audio))
	assert.Len(t, rec.errs, 1)
	assert.Zero(t, rec.completed)
	assert.Empty(t, o.History())
}

func TestProcessSkipsFailedSegment(t *testing.T) {
	stt := newSTTServer(t, "你好。", false)
	synth := &fakeSynth{fail: func(text string) error {
		if strings.Contains(text, "不错") {
			return errors.New("upstream 502")
		}
		return nil
	}}
	o := newTestOrchestrator(t, stt, &fakeChat{tokens: replyTokens}, synth, nil)

	res, err := o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "[好的，][明天可能会下雨，记得带伞。]", string(res.Audio))
}

func TestCancelStopsTurn(t *testing.T) {
	stt := newSTTServer(t, "你好。", false)
	chat := &fakeChat{tokens: []string{"好的，"}, block: true}
	o := newTestOrchestrator(t, stt, chat, &fakeSynth{}, nil)

	var gotDelta atomic.Bool
	cb := Callbacks{OnResponseDelta: func(string) { gotDelta.Store(true) }}
	errCh := make(chan error, 1)
	go func() {
		_, err := o.Process(context.Background(), testAudio(), "audio/wav", cb)
		errCh <- err
	}()
	require.Eventually(t, gotDelta.Load, 2*time.Second, 5*time.Millisecond)
	o.Cancel()
	o.Cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not observe Cancel")
	}
	assert.Empty(t, o.History())
	// 空闲时取消不影响下一轮
	o.Cancel()
	chat.block = false
	_, err := o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{})
	assert.NoError(t, err)
}

func TestProcessRejectsConcurrentTurn(t *testing.T) {
	stt := newSTTServer(t, "你好。", false)
	chat := &fakeChat{tokens: []string{"好的，"}, block: true}
	o := newTestOrchestrator(t, stt, chat, &fakeSynth{}, nil)

	var started atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{OnResponseDelta: func(string) { started.Store(true) }})
	}()
	require.Eventually(t, started.Load, 2*time.Second, 5*time.Millisecond)

	_, err := o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{})
	assert.ErrorIs(t, err, ErrBusy)
	o.Cancel()
	<-done
}

func TestHistoryIsBounded(t *testing.T) {
	stt := newSTTServer(t, "你好。", false)
	chat := &fakeChat{tokens: []string{"嗯。"}}
	o := newTestOrchestrator(t, stt, chat, &fakeSynth{}, nil)
	o.cfg.MaxHistoryTurns = 1

	for i := 0; i < 3; i++ {
		_, err := o.Process(context.Background(), testAudio(), "audio/wav", Callbacks{})
		require.NoError(t, err)
	}
	assert.Len(t, chat.lastRequest().History, 2)
	assert.Len(t, o.History(), 2)

	o.ResetHistory()
	assert.Empty(t, o.History())
}
