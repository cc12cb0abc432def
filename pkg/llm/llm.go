package llm

import (
	"context"
	"errors"
)

var ErrEmptyInput = errors.New("llm: empty user text")

// Role 对话角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 一轮对话的输入；History 按时间顺序，不含本轮用户输入
type ChatRequest struct {
	UserText     string
	History      []Message
	SystemPrompt string
}

// ChatStream 流式对话。onToken 按生成顺序回调，返回错误时中止流。
type ChatStream interface {
	Stream(ctx context.Context, req ChatRequest, onToken func(token string) error) error
}

// BuildMessages 组装 system + history + user
func BuildMessages(req ChatRequest) []Message {
	msgs := make([]Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.History...)
	return append(msgs, Message{Role: RoleUser, Content: req.UserText})
}
