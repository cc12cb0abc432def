package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/code-100-precent/LingTalk/pkg/synthesizer"
)

var (
	// ErrAlreadyConsumed YieldAudioInOrder 只能被消费一次
	ErrAlreadyConsumed = errors.New("tts pipeline: audio stream already consumed")
	ErrTaskTimeout     = errors.New("tts pipeline: task timed out")
)

// FatalError 不可恢复的合成错误（配额、欠费等），有序输出在此处中止
type FatalError struct {
	Seq int
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("tts segment %d failed fatally: %v", e.Seq, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// 错误码之外的兜底关键字
var fatalKeywords = []string{
	"quota exceeded",
	"quota exhausted",
	"insufficient quota",
	"allowance has been exhausted",
	"api key invalid",
	"api key expired",
	"invalid credentials",
	"account suspended",
	"account disabled",
}

var rateLimitKeywords = []string{
	"rate limit",
	"too many requests",
	"throttl",
	"429",
}

// IsFatal 错误码命中 codes 或消息包含额度类关键字
func IsFatal(err error, codes []string) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	var apiErr *synthesizer.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		for _, c := range codes {
			if apiErr.Code == c {
				return true
			}
		}
	}
	msg := err.Error()
	for _, c := range codes {
		if c != "" && strings.Contains(msg, c) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	for _, k := range fatalKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// IsRateLimited 429、限流错误码或限流关键字
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *synthesizer.APIError
	if errors.As(err, &apiErr) && apiErr.IsRateLimited() {
		return true
	}
	lower := strings.ToLower(err.Error())
	for _, k := range rateLimitKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// IsTimeout 单次合成超时或网络超时
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTaskTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
