package source

import (
	"context"
	"time"
)

// Line is one raw log line paired with the local timestamp at which the
// source first observed it, in unix seconds.
type Line struct {
	Text    string
	Arrival float64
}

// Source produces a node's log lines onto a bounded channel. Run blocks
// until ctx is cancelled; transient failures are retried forever and never
// terminate the process. The send into out blocks when the channel is full,
// which is the pipeline's back-pressure signal.
type Source interface {
	Run(ctx context.Context, out chan<- Line)

	// Connected reports the source's current link state for
	// connection-status broadcasts.
	Connected() bool
}

// Now returns the current local time as unix seconds with sub-second
// precision.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// send delivers a line, honoring cancellation while blocked on a full
// channel.
func send(ctx context.Context, out chan<- Line, line Line) bool {
	select {
	case out <- line:
		return true
	case <-ctx.Done():
		return false
	}
}
