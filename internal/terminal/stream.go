package terminal

import (
	"strings"
	"unicode/utf8"
)

// crlfNormalizer rewrites bare LF to CRLF across a stream of chunks. A
// trailing partial UTF-8 sequence is held back until the next chunk.
type crlfNormalizer struct {
	pending []byte
	lastCR  bool
}

func (n *crlfNormalizer) normalize(chunk []byte) string {
	data := chunk
	if len(n.pending) > 0 {
		data = append(n.pending, chunk...)
		n.pending = nil
	}
	if cut := incompleteRuneSuffix(data); cut > 0 {
		n.pending = append([]byte(nil), data[len(data)-cut:]...)
		data = data[:len(data)-cut]
	}

	var b strings.Builder
	b.Grow(len(data) + 8)
	for _, c := range data {
		if c == '\n' && !n.lastCR {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
		n.lastCR = c == '\r'
	}
	return b.String()
}

// flush returns whatever is still held back at end of stream.
func (n *crlfNormalizer) flush() string {
	rest := n.pending
	n.pending = nil
	return string(rest)
}

// incompleteRuneSuffix returns the length of a multi-byte sequence cut off
// at the end of p, or 0.
func incompleteRuneSuffix(p []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		c := p[len(p)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if c >= 0xC0 && !utf8.FullRune(p[len(p)-i:]) {
			return i
		}
		return 0
	}
	return 0
}

func toCRLF(s string) string {
	var n crlfNormalizer
	return n.normalize([]byte(s)) + n.flush()
}
