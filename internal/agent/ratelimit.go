package agent

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var (
	resetsAtPattern  = regexp.MustCompile(`"resets_at"\s*:\s*(\d+)`)
	rateLimitMarkers = [][]byte{[]byte("usage_limit_reached"), []byte("rate_limit_error")}
)

// rateLimitWriter passes stderr through and flags provider usage limits.
// The first match wins; later matches do not move the reset time.
type rateLimitWriter struct {
	w      io.Writer
	cancel func()

	mu       sync.Mutex
	detected bool
	resetsAt time.Time
}

func newRateLimitWriter(w io.Writer, cancel func()) *rateLimitWriter {
	return &rateLimitWriter{w: w, cancel: cancel}
}

func (rw *rateLimitWriter) Write(p []byte) (int, error) {
	n, err := rw.w.Write(p)

	rw.mu.Lock()
	fire := false
	if !rw.detected && containsAny(p, rateLimitMarkers) {
		rw.detected = true
		fire = true
		if m := resetsAtPattern.FindSubmatch(p); len(m) == 2 {
			if ts, perr := strconv.ParseInt(string(m[1]), 10, 64); perr == nil {
				rw.resetsAt = time.Unix(ts, 0)
			}
		}
	}
	rw.mu.Unlock()

	if fire && rw.cancel != nil {
		rw.cancel()
	}
	return n, err
}

// Detected reports whether a rate limit was seen.
func (rw *rateLimitWriter) Detected() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.detected
}

// ResetsAt returns the advertised reset time, or zero.
func (rw *rateLimitWriter) ResetsAt() time.Time {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.resetsAt
}

// Reason renders the limit as an attempt failure reason.
func (rw *rateLimitWriter) Reason() string {
	if at := rw.ResetsAt(); !at.IsZero() {
		return fmt.Sprintf("rate limit reached, resets at %s", at.Format(time.Kitchen))
	}
	return "rate limit reached"
}

func containsAny(p []byte, markers [][]byte) bool {
	for _, m := range markers {
		if bytes.Contains(p, m) {
			return true
		}
	}
	return false
}
