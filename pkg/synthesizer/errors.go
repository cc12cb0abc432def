package synthesizer

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrEmptyText = errors.New("tts: empty text")

// APIError 服务端返回的错误，Code 保留厂商错误码（如 DAILY_LIMIT_EXCEEDED）
type APIError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s tts error (status %d, code %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s tts error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited 429 或限流错误码
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Code == "Throttling" || e.Code == "rate_limit_exceeded"
}

// IsRetryable 限流和 5xx 可重试
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.StatusCode >= 500
}

// ErrorCode 供上层按错误码判断致命错误
func (e *APIError) ErrorCode() string {
	return e.Code
}
