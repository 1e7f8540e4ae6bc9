package source

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodepulse/nodepulse/pkg/log"
)

const (
	reconnectInitial = 2 * time.Second
	reconnectMax     = 60 * time.Second

	// Frames are single log lines; 1 MiB is far beyond anything the
	// daemon emits.
	maxFrameSize = 1 << 20
)

// NetworkSource reads line-delimited frames from a log forwarder:
// "<unix_seconds_float> <raw_log_line>\n". The float is the arrival time
// captured by the forwarder. Connection failures are retried with
// exponential backoff; malformed frames are dropped without closing the
// connection.
type NetworkSource struct {
	node      string
	addr      string
	logger    zerolog.Logger
	connected atomic.Bool
}

// NewNetworkSource creates a source reading from addr ("host:port").
func NewNetworkSource(node, addr string) *NetworkSource {
	return &NetworkSource{
		node:   node,
		addr:   addr,
		logger: log.WithSource("source", node),
	}
}

// Connected reports whether the forwarder connection is up.
func (s *NetworkSource) Connected() bool {
	return s.connected.Load()
}

// Run reads frames until ctx is cancelled.
func (s *NetworkSource) Run(ctx context.Context, out chan<- Line) {
	backoff := reconnectInitial

	for {
		if ctx.Err() != nil {
			return
		}

		dialer := net.Dialer{Timeout: 10 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			s.logger.Warn().Err(err).Str("addr", s.addr).Dur("retry_in", backoff).Msg("forwarder connect failed")
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.logger.Info().Str("addr", s.addr).Msg("forwarder connected")
		s.connected.Store(true)

		// Unblock the reader when the context ends.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-done:
			}
		}()

		backoff = s.readFrames(ctx, conn, out, backoff)

		close(done)
		conn.Close()
		s.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Str("addr", s.addr).Dur("retry_in", backoff).Msg("forwarder disconnected")
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// readFrames consumes the connection until it fails. The returned backoff
// is reset to the initial value once at least one frame was read.
func (s *NetworkSource) readFrames(ctx context.Context, conn net.Conn, out chan<- Line, backoff time.Duration) time.Duration {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		frame := scanner.Text()

		idx := strings.IndexByte(frame, ' ')
		if idx <= 0 {
			s.logger.Warn().Str("frame", truncate(frame, 120)).Msg("malformed frame, missing timestamp separator")
			continue
		}

		arrival, err := strconv.ParseFloat(frame[:idx], 64)
		if err != nil {
			s.logger.Warn().Str("frame", truncate(frame, 120)).Msg("malformed frame, unparseable timestamp")
			continue
		}

		backoff = reconnectInitial
		if !send(ctx, out, Line{Text: frame[idx+1:], Arrival: arrival}) {
			return backoff
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("forwarder read error")
	}
	return backoff
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMax {
		next = reconnectMax
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
