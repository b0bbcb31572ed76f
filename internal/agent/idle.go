package agent

import (
	"io"
	"sync/atomic"
	"time"
)

// idleReader cancels the agent when its event stream goes quiet.
// Every read that returns data pushes the deadline out by timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

// watchIdle wraps r. A zero timeout disables detection.
func watchIdle(r io.Reader, timeout time.Duration, cancel func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.fired.Store(true)
			if cancel != nil {
				cancel()
			}
		})
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

// Fired reports whether the idle deadline passed.
func (ir *idleReader) Fired() bool { return ir.fired.Load() }

// Stop disarms the timer.
func (ir *idleReader) Stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
