package recognizer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/youpy/go-wav"
)

var ErrUnsupportedAudio = errors.New("stt: unsupported audio container")

// AudioFormat 送入识别的 PCM 参数
type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// IsWAV 检查 RIFF/WAVE 魔数
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodePCM 把上传的音频整理成裸 PCM：WAV 去掉容器头，audio/pcm、audio/L16 原样透传。
// 不做重采样，采样率与会话配置不一致时由调用方决定是否拒绝。
func DecodePCM(data []byte, mimeType string, fallbackRate int) ([]byte, AudioFormat, error) {
	mt := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch {
	case IsWAV(data):
		return decodeWAV(data)
	case mt == "audio/pcm" || mt == "audio/l16" || mt == "audio/raw" || mt == "":
		if fallbackRate <= 0 {
			fallbackRate = DefaultSampleRate
		}
		return data, AudioFormat{SampleRate: fallbackRate, Channels: 1, BitsPerSample: 16}, nil
	}
	return nil, AudioFormat{}, fmt.Errorf("%w: %s", ErrUnsupportedAudio, mimeType)
}

func decodeWAV(data []byte) ([]byte, AudioFormat, error) {
	r := wav.NewReader(bytes.NewReader(data))
	f, err := r.Format()
	if err != nil {
		return nil, AudioFormat{}, fmt.Errorf("read wav format: %w", err)
	}
	if f.AudioFormat != wav.AudioFormatPCM {
		return nil, AudioFormat{}, fmt.Errorf("%w: wav encoding %d", ErrUnsupportedAudio, f.AudioFormat)
	}
	pcm, err := io.ReadAll(r)
	if err != nil {
		return nil, AudioFormat{}, fmt.Errorf("read wav data: %w", err)
	}
	return pcm, AudioFormat{
		SampleRate:    int(f.SampleRate),
		Channels:      int(f.NumChannels),
		BitsPerSample: int(f.BitsPerSample),
	}, nil
}

// Chunk 按固定字节数切分 PCM，最后一块可能较短
func Chunk(pcm []byte, size int) [][]byte {
	if size <= 0 {
		size = len(pcm)
	}
	var out [][]byte
	for len(pcm) > 0 {
		n := size
		if n > len(pcm) {
			n = len(pcm)
		}
		out = append(out, pcm[:n])
		pcm = pcm[n:]
	}
	return out
}
