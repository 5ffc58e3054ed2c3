package terminal

import (
	"io"
)

const (
	charBackspace = '\b'
	charDelete    = 0x7f
	eraseSequence = "\b \b"
	lineEcho      = "\r\n"
)

// lineEditor applies cooked-mode editing to raw keystrokes: printable runes
// are buffered and echoed, BS/DEL erase, and Enter flushes the line to the
// child's stdin.
type lineEditor struct {
	buf []rune
}

// feed processes input rune by rune, writing completed lines to stdin and
// handing every echo or error text to emit.
func (le *lineEditor) feed(input string, stdin io.Writer, emit func(string)) {
	for _, r := range input {
		switch {
		case r == '\r' || r == '\n':
			// A bare LF on an empty line is the tail of a CRLF pair.
			if r == '\n' && len(le.buf) == 0 {
				continue
			}
			if _, err := io.WriteString(stdin, string(le.buf)+"\n"); err != nil {
				emit(InputError(err))
				continue
			}
			le.buf = le.buf[:0]
			emit(lineEcho)
		case r == charBackspace || r == charDelete:
			if len(le.buf) == 0 {
				continue
			}
			le.buf = le.buf[:len(le.buf)-1]
			emit(eraseSequence)
		case r >= 0x20:
			le.buf = append(le.buf, r)
			emit(string(r))
		}
	}
}

// InputError renders a failed keystroke delivery as terminal output.
func InputError(err error) string {
	return "\r\n[Input Error: " + err.Error() + "]\r\n"
}
