package turn

import (
	"context"
	"io"
	"time"
)

// idleTimer cancels a turn with ErrIdleTimeout when it is not reset within d.
type idleTimer struct {
	d     time.Duration
	timer *time.Timer
}

func newIdleTimer(d time.Duration, cancel context.CancelCauseFunc) *idleTimer {
	return &idleTimer{
		d:     d,
		timer: time.AfterFunc(d, func() { cancel(ErrIdleTimeout) }),
	}
}

func (t *idleTimer) stop() {
	t.timer.Stop()
}

// reader wraps r so that every read returning bytes restarts the timer.
func (t *idleTimer) reader(r io.Reader) io.Reader {
	return idleReader{r: r, t: t}
}

type idleReader struct {
	r io.Reader
	t *idleTimer
}

func (ir idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.t.timer.Reset(ir.t.d)
	}
	return n, err
}
