package stream

import "time"

// PipelineConfig 合成调度参数
type PipelineConfig struct {
	MaxConcurrent int64 `json:"max_concurrent" default:"5"`
	// MaxRetry 0 取默认值，负数表示不重试
	MaxRetry          int           `json:"max_retry" default:"2"`
	TaskTimeout       time.Duration `json:"task_timeout" default:"20s"`
	FirstTaskTimeout  time.Duration `json:"first_task_timeout" default:"8s"`
	RetryBackoff      time.Duration `json:"retry_backoff" default:"300ms"`
	FirstRetryBackoff time.Duration `json:"first_retry_backoff" default:"100ms"`
	RateLimitBackoff  time.Duration `json:"rate_limit_backoff" default:"1s"`
	PollInterval      time.Duration `json:"poll_interval" default:"100ms"`
	// FatalCodes 命中即放弃重试并中止有序输出
	FatalCodes []string `json:"fatal_codes"`
}

var DefaultFatalCodes = []string{
	"DAILY_LIMIT_EXCEEDED",
	"TRIAL_EXPIRED",
	"QUOTA_EXCEEDED",
	"Arrearage",
	"AllocationQuota.FreeTierOnly",
	"insufficient_quota",
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{}.withDefaults()
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxRetry < 0 {
		c.MaxRetry = 0
	} else if c.MaxRetry == 0 {
		c.MaxRetry = 2
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 20 * time.Second
	}
	if c.FirstTaskTimeout <= 0 {
		c.FirstTaskTimeout = 8 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 300 * time.Millisecond
	}
	if c.FirstRetryBackoff <= 0 {
		c.FirstRetryBackoff = 100 * time.Millisecond
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.FatalCodes == nil {
		c.FatalCodes = DefaultFatalCodes
	}
	return c
}
