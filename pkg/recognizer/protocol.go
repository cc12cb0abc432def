package recognizer

import (
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
)

// 客户端指令
const (
	ActionRunTask    = "run-task"
	ActionFinishTask = "finish-task"
)

// 服务端事件
const (
	EventTaskStarted     = "task-started"
	EventResultGenerated = "result-generated"
	EventTaskFinished    = "task-finished"
	EventTaskFailed      = "task-failed"
)

type Header struct {
	Action       string `json:"action,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	Event        string `json:"event,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type Parameters struct {
	Format                       string   `json:"format"`
	SampleRate                   int      `json:"sample_rate"`
	PunctuationPredictionEnabled bool     `json:"punctuation_prediction_enabled"`
	SemanticPunctuationEnabled   bool     `json:"semantic_punctuation_enabled"`
	DisfluencyRemovalEnabled     bool     `json:"disfluency_removal_enabled"`
	IntermediateResultEnabled    bool     `json:"intermediate_result_enabled"`
	LanguageHints                []string `json:"language_hints,omitempty"`
}

type RunTaskPayload struct {
	TaskGroup  string     `json:"task_group"`
	Task       string     `json:"task"`
	Function   string     `json:"function"`
	Model      string     `json:"model"`
	Parameters Parameters `json:"parameters"`
	Input      struct{}   `json:"input"`
}

type RunTaskMessage struct {
	Header  Header         `json:"header"`
	Payload RunTaskPayload `json:"payload"`
}

type FinishTaskMessage struct {
	Header  Header `json:"header"`
	Payload struct {
		Input struct{} `json:"input"`
	} `json:"payload"`
}

type Sentence struct {
	BeginTime   int64  `json:"begin_time"`
	EndTime     *int64 `json:"end_time"`
	Text        string `json:"text"`
	SentenceEnd bool   `json:"sentence_end"`
	Heartbeat   bool   `json:"heartbeat,omitempty"`
}

type ServerMessage struct {
	Header  Header `json:"header"`
	Payload struct {
		Output struct {
			Sentence *Sentence `json:"sentence,omitempty"`
		} `json:"output"`
		Usage *struct {
			Duration float64 `json:"duration"`
		} `json:"usage,omitempty"`
	} `json:"payload"`
}

func newRunTask(taskID string, cfg SessionConfig) ([]byte, error) {
	msg := RunTaskMessage{
		Header: Header{Action: ActionRunTask, TaskID: taskID, Streaming: "duplex"},
		Payload: RunTaskPayload{
			TaskGroup: "audio",
			Task:      "asr",
			Function:  "recognition",
			Model:     cfg.Model,
			Parameters: Parameters{
				Format:                       cfg.Format,
				SampleRate:                   cfg.SampleRate,
				PunctuationPredictionEnabled: cfg.PunctuationPrediction,
				SemanticPunctuationEnabled:   cfg.SemanticPunctuation,
				DisfluencyRemovalEnabled:     cfg.DisfluencyRemoval,
				IntermediateResultEnabled:    cfg.IntermediateResults,
				LanguageHints:                cfg.LanguageHints,
			},
		},
	}
	return sonic.Marshal(&msg)
}

func newFinishTask(taskID string) ([]byte, error) {
	msg := FinishTaskMessage{Header: Header{Action: ActionFinishTask, TaskID: taskID, Streaming: "duplex"}}
	return sonic.Marshal(&msg)
}

func decodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server message: %w", err)
	}
	if msg.Header.Event == "" {
		return nil, fmt.Errorf("decode server message: missing header.event")
	}
	return &msg, nil
}

// newAuthHeader 构造握手请求头
func newAuthHeader(creds Credentials) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.APIKey)
	header.Set("User-Agent", "lingtalk/1.0")
	if creds.Workspace != "" {
		header.Set("X-DashScope-WorkSpace", creds.Workspace)
	}
	header.Set("X-DashScope-DataInspection", "enable")
	return header
}
