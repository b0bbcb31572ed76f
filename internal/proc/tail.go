// Package proc holds subprocess plumbing shared by the agent and the
// verification runner.
package proc

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// TailBuffer is an io.Writer that keeps only the last Max bytes written.
// A zero Max keeps everything.
type TailBuffer struct {
	Max int

	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if t.Max > 0 && len(t.buf) > t.Max {
		start := len(t.buf) - t.Max
		for start < len(t.buf) && !utf8.RuneStart(t.buf[start]) {
			start++
		}
		t.buf = append(t.buf[:0], t.buf[start:]...)
		t.truncated = true
	}
	return len(p), nil
}

// String returns the retained output, prefixed with a marker when older
// output was dropped.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.truncated {
		return string(t.buf)
	}
	s := string(t.buf)
	// start on a line boundary when one is close
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < 200 {
		s = s[i+1:]
	}
	return "[... output truncated ...]\n" + s
}

// Tail returns at most max trailing bytes of s, marking the cut.
func Tail(s string, max int) string {
	tb := &TailBuffer{Max: max}
	_, _ = tb.Write([]byte(s))
	return tb.String()
}

// Clip returns at most max leading bytes of s without splitting a UTF-8
// sequence, and whether anything was cut.
func Clip(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end], true
}

// ClipTail returns at most max trailing bytes of s without splitting a UTF-8
// sequence, and whether anything was cut.
func ClipTail(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:], true
}
