package response

import (
	"errors"
	"net/http"

	"github.com/code-100-precent/LingTalk/pkg/recognizer"
	"github.com/code-100-precent/LingTalk/pkg/stream"
	"github.com/code-100-precent/LingTalk/pkg/voicechat"
	"github.com/gin-gonic/gin"
)

type Response struct {
	Code    int         `json:"code"` // 状态码，通常为 200 表示成功，非 200 为错误码
	Message string      `json:"msg"`  // 响应的消息描述
	Data    interface{} `json:"data"` // 返回的数据，可以是任意类型
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code": 200,
		"msg":  msg,
		"data": data,
	})
}

func Fail(c *gin.Context, msg string, data interface{}) {
	// Standardize error response format
	errorResponse := gin.H{
		"code": 500,
		"msg":  msg,
		"data": data,
	}

	// If data contains error information, extract it for consistent format
	if dataMap, ok := data.(gin.H); ok {
		if errorCode, exists := dataMap["error"]; exists {
			errorResponse["error"] = errorCode
		}
		if message, exists := dataMap["message"]; exists && msg == "" {
			errorResponse["msg"] = message
		}
	}

	c.JSON(http.StatusOK, errorResponse)
}

func Result(context *gin.Context, httpStatus int, code int, msg string, data gin.H) {
	context.JSON(httpStatus, gin.H{
		"code": code,
		"msg":  msg,
		"data": data,
	})
}

func AbortWithStatus(c *gin.Context, httpStatus int) {
	c.AbortWithStatus(httpStatus)
}

// ErrorInfo 把领域错误翻译成 HTTP 状态、友好提示和错误码；未知错误 status 为 0
func ErrorInfo(err error) (status int, msg string, code string) {
	var fatal *stream.FatalError
	switch {
	case errors.Is(err, voicechat.ErrNoSpeech):
		return http.StatusUnprocessableEntity, "没有识别到语音，请再说一遍", "NO_SPEECH"
	case errors.Is(err, voicechat.ErrBusy):
		return http.StatusConflict, "上一轮对话还在进行中", "TURN_IN_PROGRESS"
	case errors.Is(err, voicechat.ErrCancelled):
		return http.StatusConflict, "对话已取消", "TURN_CANCELLED"
	case errors.Is(err, recognizer.ErrUnsupportedAudio):
		return http.StatusUnsupportedMediaType, "不支持的音频格式，请上传 16k 单声道 WAV 或 PCM", "UNSUPPORTED_AUDIO"
	case errors.Is(err, recognizer.ErrNoCredentials):
		return http.StatusServiceUnavailable, "语音识别服务未配置", "STT_NOT_CONFIGURED"
	case recognizer.IsTaskError(err),
		errors.Is(err, recognizer.ErrHandshakeTimeout),
		errors.Is(err, recognizer.ErrReadyTimeout):
		return http.StatusBadGateway, "语音识别服务暂时不可用", "STT_UNAVAILABLE"
	case errors.As(err, &fatal):
		return http.StatusServiceUnavailable, "语音合成额度不足或账号不可用", "TTS_QUOTA_EXCEEDED"
	}
	return 0, err.Error(), "UNKNOWN_ERROR"
}

// AbortWithStatusJSON 已知错误使用映射后的状态码，其余保持 httpStatus
func AbortWithStatusJSON(c *gin.Context, httpStatus int, err error) {
	status, msg, code := ErrorInfo(err)
	if status == 0 {
		status = httpStatus
	}
	c.AbortWithStatusJSON(status, gin.H{
		"code":  status,
		"msg":   msg,
		"error": code,
		"data":  nil,
	})
}
