package synthesizer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
)

// Format 合成音频的格式
type Format struct {
	Encoding   string `json:"format"` // pcm, mp3, wav
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bitDepth"`
}

// Synthesizer 流式语音合成。onChunk 按到达顺序接收音频块，返回错误时中止合成。
// 不支持流式的服务把完整结果作为单个块回调。
type Synthesizer interface {
	Provider() string
	Format() Format
	// CacheKey 同一文本在相同音色参数下得到相同的键
	CacheKey(text string) string
	SynthesizeStream(ctx context.Context, text string, onChunk func([]byte) error) error
}

func digest(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
