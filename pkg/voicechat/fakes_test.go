package voicechat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/code-100-precent/LingTalk/pkg/llm"
	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
	"github.com/gorilla/websocket"
)

// sttServer 收到 finish-task 时返回固定识别结果
type sttServer struct {
	srv        *httptest.Server
	transcript string
	failStart  bool
	frames     atomic.Int32
}

func newSTTServer(t *testing.T, transcript string, failStart bool) *sttServer {
	t.Helper()
	s := &sttServer{transcript: transcript, failStart: failStart}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.serve(conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sttServer) serve(conn *websocket.Conn) {
	var taskID string
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			s.frames.Add(1)
			continue
		}
		var msg recognizer.RunTaskMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			return
		}
		taskID = msg.Header.TaskID
		switch msg.Header.Action {
		case recognizer.ActionRunTask:
			if s.failStart {
				s.send(conn, taskID, recognizer.EventTaskFailed, nil)
				continue
			}
			s.send(conn, taskID, recognizer.EventTaskStarted, nil)
		case recognizer.ActionFinishTask:
			if s.transcript != "" {
				s.send(conn, taskID, recognizer.EventResultGenerated, &recognizer.Sentence{Text: s.transcript, SentenceEnd: true})
			}
			s.send(conn, taskID, recognizer.EventTaskFinished, nil)
		}
	}
}

func (s *sttServer) send(conn *websocket.Conn, taskID, event string, sentence *recognizer.Sentence) {
	var msg recognizer.ServerMessage
	msg.Header = recognizer.Header{TaskID: taskID, Event: event}
	if event == recognizer.EventTaskFailed {
		msg.Header.ErrorCode = "InvalidApiKey"
		msg.Header.ErrorMessage = "bad key"
	}
	msg.Payload.Output.Sentence = sentence
	data, _ := sonic.Marshal(&msg)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *sttServer) sessionConfig() recognizer.SessionConfig {
	cfg := recognizer.DefaultSessionConfig()
	cfg.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.FinishTimeout = 2 * time.Second
	return cfg
}

type fakeChat struct {
	tokens []string
	// block 输出完 tokens 后阻塞到 ctx 结束
	block bool

	mu   sync.Mutex
	reqs []llm.ChatRequest
}

func (f *fakeChat) Stream(ctx context.Context, req llm.ChatRequest, onToken func(string) error) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeChat) lastRequest() llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

// fakeSynth 音频内容就是 "[文本]"
type fakeSynth struct {
	fail func(text string) error

	mu    sync.Mutex
	texts []string
}

func (f *fakeSynth) Provider() string { return "fake" }

func (f *fakeSynth) Format() synthesizer.Format {
	return synthesizer.Format{Encoding: "pcm", SampleRate: 24000, Channels: 1, BitDepth: 16}
}

func (f *fakeSynth) CacheKey(text string) string { return text }

func (f *fakeSynth) SynthesizeStream(ctx context.Context, text string, onChunk func([]byte) error) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(text); err != nil {
			return err
		}
	}
	return onChunk([]byte("[" + text + "]"))
}

type fakeTranscriber struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	f.calls.Add(1)
	return f.text, f.err
}

func testAudio() []byte {
	pcm := make([]byte, 16000) // 0.5s
	return recognizer.EncodeWAV(pcm, recognizer.AudioFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16})
}
