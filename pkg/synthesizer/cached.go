package synthesizer

import (
	"bytes"
	"context"
	"time"

	"github.com/code-100-precent/LingTalk/pkg/cache"
	"github.com/code-100-precent/LingTalk/pkg/logger"
	"go.uber.org/zap"
)

// Cached 以完整音频为单位缓存合成结果，命中时按 chunkSize 回放
type Cached struct {
	inner     Synthesizer
	cache     cache.Cache
	ttl       time.Duration
	chunkSize int
	logger    *zap.Logger
}

func NewCached(inner Synthesizer, c cache.Cache, ttl time.Duration, chunkSize int, lg *zap.Logger) *Cached {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	return &Cached{inner: inner, cache: c, ttl: ttl, chunkSize: chunkSize, logger: logger.OrNop(lg)}
}

func (c *Cached) Provider() string { return c.inner.Provider() }

func (c *Cached) Format() Format { return c.inner.Format() }

func (c *Cached) CacheKey(text string) string { return c.inner.CacheKey(text) }

func (c *Cached) SynthesizeStream(ctx context.Context, text string, onChunk func([]byte) error) error {
	key := c.inner.CacheKey(text)
	if data, ok := c.cache.Get(ctx, key); ok && len(data) > 0 {
		c.logger.Debug("tts cache hit", zap.String("key", key), zap.Int("bytes", len(data)))
		for len(data) > 0 {
			n := c.chunkSize
			if n > len(data) {
				n = len(data)
			}
			if err := onChunk(data[:n]); err != nil {
				return err
			}
			data = data[n:]
		}
		return nil
	}

	var full bytes.Buffer
	err := c.inner.SynthesizeStream(ctx, text, func(chunk []byte) error {
		full.Write(chunk)
		return onChunk(chunk)
	})
	if err != nil {
		return err
	}
	if full.Len() > 0 {
		if err := c.cache.Set(ctx, key, full.Bytes(), c.ttl); err != nil {
			c.logger.Warn("tts cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}
