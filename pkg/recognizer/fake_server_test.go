package recognizer

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// fakeServer 模拟实时识别服务：每收到一帧音频回一条中间结果和一条完整句子
type fakeServer struct {
	srv *httptest.Server

	startDelay   time.Duration
	failStart    bool
	silentStart  bool
	silentFinish bool
	failOnAudio  bool

	connections atomic.Int32
	runTasks    atomic.Int32
	finishTasks atomic.Int32
	audioFrames atomic.Int32

	mu       sync.Mutex
	authSeen string
	params   Parameters
}

func newFakeServer(t *testing.T, configure func(*fakeServer)) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	if configure != nil {
		configure(fs)
	}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.authSeen = r.Header.Get("Authorization")
		fs.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.connections.Add(1)
		defer conn.Close()
		fs.serve(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	var taskID string
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			n := fs.audioFrames.Add(1)
			if fs.failOnAudio {
				fs.send(conn, taskID, EventTaskFailed, nil, "InvalidParameter", "bad audio")
				return
			}
			fs.send(conn, taskID, EventResultGenerated, &Sentence{Text: fmt.Sprintf("p%d", n)}, "", "")
			fs.send(conn, taskID, EventResultGenerated, &Sentence{Text: fmt.Sprintf("s%d。", n), SentenceEnd: true}, "", "")
			continue
		}
		var msg RunTaskMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			return
		}
		taskID = msg.Header.TaskID
		switch msg.Header.Action {
		case ActionRunTask:
			fs.runTasks.Add(1)
			fs.mu.Lock()
			fs.params = msg.Payload.Parameters
			fs.mu.Unlock()
			if fs.silentStart {
				continue
			}
			time.Sleep(fs.startDelay)
			if fs.failStart {
				fs.send(conn, taskID, EventTaskFailed, nil, "Arrearage", "account in arrears")
				continue
			}
			fs.send(conn, taskID, EventTaskStarted, nil, "", "")
		case ActionFinishTask:
			fs.finishTasks.Add(1)
			if fs.silentFinish {
				continue
			}
			fs.send(conn, taskID, EventTaskFinished, nil, "", "")
		}
	}
}

func (fs *fakeServer) send(conn *websocket.Conn, taskID, event string, sentence *Sentence, code, message string) {
	var msg ServerMessage
	msg.Header = Header{TaskID: taskID, Event: event, ErrorCode: code, ErrorMessage: message}
	msg.Payload.Output.Sentence = sentence
	if event == EventTaskFinished {
		msg.Payload.Usage = &struct {
			Duration float64 `json:"duration"`
		}{Duration: 2}
	}
	data, _ := sonic.Marshal(&msg)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func testSessionConfig(fs *fakeServer) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.URL = fs.url()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.FinishTimeout = 2 * time.Second
	return cfg
}

var testCreds = Credentials{APIKey: "sk-test"}
