package splitter

import (
	"unicode"

	"golang.org/x/text/width"
)

// text 以 rune 为单位索引原始字符串，off[i] 为第 i 个 rune 的字节偏移
type text struct {
	s   string
	r   []rune
	off []int
}

func newText(s string) text {
	t := text{s: s}
	for i, ch := range s {
		t.r = append(t.r, ch)
		t.off = append(t.off, i)
	}
	t.off = append(t.off, len(s))
	return t
}

// fold 把全角标点映射为半角，只用于分类
func fold(r rune) rune {
	p := width.LookupRune(r)
	if p.Kind() == width.EastAsianFullwidth {
		if n := p.Narrow(); n != 0 {
			return n
		}
	}
	return r
}

func isStrong(r rune) bool {
	switch fold(r) {
	case '.', '!', '?', '。', '…', '\n':
		return true
	}
	return false
}

func isWeak(r rune) bool {
	switch fold(r) {
	case ',', ';', ':', '、', '~', '～':
		return true
	}
	return false
}

func isPunct(r rune) bool {
	return isStrong(r) || isWeak(r)
}

func isDigit(r rune) bool {
	return unicode.IsDigit(fold(r))
}

func isLatin(r rune) bool {
	return r < unicode.MaxLatin1 && unicode.IsLetter(r)
}

var pairs = [][2]rune{
	{'(', ')'}, {'[', ']'}, {'{', '}'},
	{'【', '】'}, {'《', '》'}, {'「', '」'}, {'『', '』'}, {'〈', '〉'},
	{'“', '”'}, {'‘', '’'},
}

func isClosing(r rune) bool {
	r = fold(r)
	for _, p := range pairs {
		if r == p[1] {
			return true
		}
	}
	return r == '"'
}

// unbalanced 报告 seg 末尾是否仍在括号或引号内
func unbalanced(seg []rune) bool {
	depth := make([]int, len(pairs))
	asciiQuote := false
	for _, ch := range seg {
		ch = fold(ch)
		if ch == '"' {
			asciiQuote = !asciiQuote
			continue
		}
		for i, p := range pairs {
			switch ch {
			case p[0]:
				depth[i]++
			case p[1]:
				if depth[i] > 0 {
					depth[i]--
				}
			}
		}
	}
	if asciiQuote {
		return true
	}
	for _, d := range depth {
		if d > 0 {
			return true
		}
	}
	return false
}

// numericProtected 数字间或数字后缓冲区末尾的 . , : 不切
func numericProtected(r []rune, p int) bool {
	switch fold(r[p]) {
	case '.', ',', ':':
	default:
		return false
	}
	if p == 0 || !isDigit(r[p-1]) {
		return false
	}
	return p+1 == len(r) || isDigit(r[p+1])
}

// extend 返回切点：连续标点、紧随的闭合引号括号以及空格都并入当前句段
func extend(r []rune, p int) int {
	end := p + 1
run:
	for end < len(r) {
		ch := r[end]
		switch {
		case isPunct(ch) && ch != '\n':
		case isClosing(ch) && closes(r[:end+1]):
		default:
			break run
		}
		end++
	}
	for end < len(r) && (r[end] == ' ' || r[end] == '\t') {
		end++
	}
	return end
}

// closes 在 seg 末尾的闭合符确实闭合了一个已打开的引号或括号时为真
func closes(seg []rune) bool {
	last := fold(seg[len(seg)-1])
	if last == '"' {
		n := 0
		for _, ch := range seg {
			if fold(ch) == '"' {
				n++
			}
		}
		return n%2 == 0
	}
	return !unbalanced(seg) && unbalanced(seg[:len(seg)-1])
}
