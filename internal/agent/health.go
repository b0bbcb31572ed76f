package agent

import (
	"io"
	"strings"
	"sync"
)

// stderrSignal maps a lower-cased stderr fragment to the failure reason it implies.
type stderrSignal struct {
	fragment string
	reason   string
}

var connectivitySignals = []stderrSignal{
	{"ssl certificate problem", "TLS certificate expired"},
	{"certificate has expired", "TLS certificate expired"},
	{"connection refused", "connection refused"},
	{"dns resolution failed", "DNS resolution failed"},
	{"could not resolve host", "DNS resolution failed"},
	{"error sending request", "request failed"},
	{"tls handshake timeout", "TLS handshake timeout"},
	{"network is unreachable", "network unreachable"},
}

// healthWriter passes stderr through and remembers the first connectivity
// failure it sees. On detection it calls cancel so the agent stops early.
type healthWriter struct {
	w      io.Writer
	cancel func()

	mu     sync.Mutex
	reason string
}

func newHealthWriter(w io.Writer, cancel func()) *healthWriter {
	return &healthWriter{w: w, cancel: cancel}
}

func (hw *healthWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)

	hw.mu.Lock()
	fire := false
	if hw.reason == "" {
		lower := strings.ToLower(string(p))
		for _, s := range connectivitySignals {
			if strings.Contains(lower, s.fragment) {
				hw.reason = s.reason
				fire = true
				break
			}
		}
	}
	hw.mu.Unlock()

	if fire && hw.cancel != nil {
		hw.cancel()
	}
	return n, err
}

// Detected reports whether a connectivity failure was seen.
func (hw *healthWriter) Detected() bool { return hw.Reason() != "" }

// Reason returns the classified connectivity failure, or "".
func (hw *healthWriter) Reason() string {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.reason
}
