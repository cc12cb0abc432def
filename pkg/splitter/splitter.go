package splitter

import (
	"strings"
	"unicode"

	"github.com/code-100-precent/LingTalk/pkg/logger"
	"go.uber.org/zap"
)

// Config 分句阈值，长度一律按 rune 计
type Config struct {
	// ImmediateTriggers 首句前缀命中即切，如 "好的，"
	ImmediateTriggers []string
	// FirstMinLength 首句遇到标点切分所需的最小长度
	FirstMinLength int
	// FirstMaxWait 首句最长等待长度，超过强制切分
	FirstMaxWait int

	MinLength       int
	PreferredLength int
	// HardMax 超过后放宽保护区，在第一个标点处切分（数字内部除外）
	HardMax int
	// AbsoluteMax 超过后在空格处或直接硬切
	AbsoluteMax int

	// ContinuationPhrases 句段以这些词结尾时不切，如 "因为，"
	ContinuationPhrases []string
}

func DefaultConfig() Config {
	return Config{
		ImmediateTriggers: []string{
			"好的，", "好的。", "好的！", "嗯，", "嗯。", "是的，", "当然，", "当然！", "没问题，",
			"OK, ", "Okay, ", "Sure, ", "Yes, ", "No, ", "Well, ",
		},
		FirstMinLength:  4,
		FirstMaxWait:    24,
		MinLength:       6,
		PreferredLength: 24,
		HardMax:         48,
		AbsoluteMax:     80,
		ContinuationPhrases: []string{
			"因为", "所以", "但是", "而且", "然后", "如果", "虽然", "比如", "例如", "或者", "并且",
			"because", "therefore", "however", "so", "but", "and", "or", "for example", "such as",
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FirstMinLength <= 0 {
		c.FirstMinLength = d.FirstMinLength
	}
	if c.FirstMaxWait <= 0 {
		c.FirstMaxWait = d.FirstMaxWait
	}
	if c.MinLength <= 0 {
		c.MinLength = d.MinLength
	}
	if c.PreferredLength <= 0 {
		c.PreferredLength = d.PreferredLength
	}
	if c.HardMax <= 0 {
		c.HardMax = d.HardMax
	}
	if c.AbsoluteMax <= 0 {
		c.AbsoluteMax = d.AbsoluteMax
	}
	if c.ImmediateTriggers == nil {
		c.ImmediateTriggers = d.ImmediateTriggers
	}
	if c.ContinuationPhrases == nil {
		c.ContinuationPhrases = d.ContinuationPhrases
	}
	return c
}

// Result 一次切分的输出；Segments 依次拼接再加 Remainder 等于输入
type Result struct {
	Segments  []string
	Remainder string
}

// Splitter 把流式 LLM 输出切成适合 TTS 的句段。
// 调用方持有缓冲区：每次把新 token 追加到上次的 Remainder 后再调用 Split。
// 非并发安全。
type Splitter struct {
	cfg          Config
	firstEmitted bool
	logger       *zap.Logger
}

func New(cfg Config, lg *zap.Logger) *Splitter {
	return &Splitter{
		cfg:    cfg.withDefaults(),
		logger: logger.OrNop(lg),
	}
}

// Reset 回到首句模式，用于新一轮对话
func (s *Splitter) Reset() {
	s.firstEmitted = false
}

func (s *Splitter) FirstSegmentEmitted() bool {
	return s.firstEmitted
}

// Split 反复应用切分规则直到没有规则命中。句段是输入的原始切片，不做裁剪。
func (s *Splitter) Split(buffer string) Result {
	var res Result
	rest := buffer
	for rest != "" {
		t := newText(rest)
		cut, rule := s.nextCut(t)
		if cut <= 0 {
			break
		}
		seg := rest[:t.off[cut]]
		res.Segments = append(res.Segments, seg)
		rest = rest[t.off[cut]:]
		s.logger.Debug("segment cut",
			zap.String("rule", rule),
			zap.Int("length", cut),
			zap.Bool("first", !s.firstEmitted))
		s.firstEmitted = true
	}
	res.Remainder = rest
	return res
}

func (s *Splitter) nextCut(t text) (int, string) {
	if !s.firstEmitted {
		return s.firstCut(t)
	}
	return s.steadyCut(t)
}

func (s *Splitter) firstCut(t text) (int, string) {
	for _, trig := range s.cfg.ImmediateTriggers {
		if trig != "" && strings.HasPrefix(t.s, trig) {
			return len([]rune(trig)), "immediate_trigger"
		}
	}

	n := len(t.r)
	if n >= s.cfg.FirstMinLength {
		for p := 0; p < n; p++ {
			if !isPunct(t.r[p]) {
				continue
			}
			cut := extend(t.r, p)
			if cut >= s.cfg.FirstMinLength && !s.protected(t.r, p, cut) {
				return cut, "first_punct"
			}
		}
	}

	if n >= s.cfg.FirstMaxWait {
		return spaceOrHardCut(t.r, s.cfg.FirstMaxWait), "first_max_wait"
	}
	return 0, ""
}

func (s *Splitter) steadyCut(t text) (int, string) {
	n := len(t.r)

	for p := 0; p < n; p++ {
		if !isStrong(t.r[p]) {
			continue
		}
		cut := extend(t.r, p)
		if cut >= s.cfg.MinLength && !s.protected(t.r, p, cut) {
			return cut, "strong"
		}
	}

	if n > s.cfg.PreferredLength {
		best, bestDist := 0, -1
		for p := 0; p < n; p++ {
			if !isWeak(t.r[p]) {
				continue
			}
			cut := extend(t.r, p)
			if cut < s.cfg.MinLength || s.protected(t.r, p, cut) {
				continue
			}
			dist := cut - s.cfg.PreferredLength
			if dist < 0 {
				dist = -dist
			}
			if bestDist < 0 || dist < bestDist {
				best, bestDist = cut, dist
			}
		}
		if best > 0 {
			return best, "weak_preferred"
		}
	}

	if n >= s.cfg.HardMax {
		for p := 0; p < n; p++ {
			if !isPunct(t.r[p]) {
				continue
			}
			cut := extend(t.r, p)
			if cut >= s.cfg.MinLength && !numericProtected(t.r, p) {
				return cut, "hard_max"
			}
		}
	}

	if n >= s.cfg.AbsoluteMax {
		return spaceOrHardCut(t.r, s.cfg.AbsoluteMax), "absolute_max"
	}
	return 0, ""
}

// protected 判断在 p 处标点、cut 处切分是否落在保护区内
func (s *Splitter) protected(r []rune, p, cut int) bool {
	if numericProtected(r, p) {
		return true
	}
	// 缓冲区末尾的英文句点可能是省略号或缩写的开头，等下一个字符
	if cut == len(r) && r[len(r)-1] == '.' {
		return true
	}
	if unbalanced(r[:cut]) {
		return true
	}
	return s.endsWithContinuation(r[:p])
}

func (s *Splitter) endsWithContinuation(seg []rune) bool {
	end := len(seg)
	for end > 0 && (unicode.IsSpace(seg[end-1]) || isPunct(seg[end-1])) {
		end--
	}
	if end == 0 {
		return false
	}
	tail := strings.ToLower(string(seg[:end]))
	for _, phrase := range s.cfg.ContinuationPhrases {
		phrase = strings.ToLower(phrase)
		if phrase == "" || !strings.HasSuffix(tail, phrase) {
			continue
		}
		pr := []rune(phrase)
		if !isLatin(pr[0]) {
			return true
		}
		// 英文短语需要词边界
		before := end - len(pr) - 1
		if before < 0 || !unicode.IsLetter(seg[before]) {
			return true
		}
	}
	return false
}

func spaceOrHardCut(r []rune, limit int) int {
	if limit > len(r) {
		limit = len(r)
	}
	for i := limit - 1; i > 0; i-- {
		if r[i] == ' ' {
			return i + 1
		}
	}
	return limit
}
