package engine

import "io"

// RelayFailurePolicy controls what a pump does when a write to its relay
// destination fails.
type RelayFailurePolicy string

const (
	// RelayDetach drops the relay destination and keeps pumping to the
	// capture destination. The default.
	RelayDetach RelayFailurePolicy = "detach"

	// RelayAbort stops the whole pump on the first relay failure, which
	// also ends capturing for that stream.
	RelayAbort RelayFailurePolicy = "abort"
)

// pump drains one child stream in fixed-size chunks and fans each chunk out
// to its capture and relay destinations. One pump runs per stream, on its
// own goroutine, until end-of-stream or a read error (both end it silently —
// stream-level errors never surface to the caller).
type pump struct {
	stream  io.Reader
	capture io.Writer
	relay   io.Writer
	clock   *activityClock
	chunk   int
	policy  RelayFailurePolicy
}

// run blocks until the stream is exhausted. Chunks reach each destination
// in read order. The clock is touched before any destination write, so
// liveness is observable even when output is discarded. A capture failure
// stops the pump; a relay failure follows the configured policy.
func (p *pump) run() {
	buf := make([]byte, p.chunk)
	relay := p.relay

	for {
		n, err := p.stream.Read(buf)
		if n > 0 {
			p.clock.Touch()

			if p.capture != nil {
				if !writeAndFlush(p.capture, buf[:n]) {
					return
				}
			}
			if relay != nil {
				if !writeAndFlush(relay, buf[:n]) {
					if p.policy == RelayAbort {
						return
					}
					relay = nil
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// writeAndFlush writes the full chunk and flushes the destination if it is
// buffered. Destinations are never closed here — they are externally owned.
func writeAndFlush(w io.Writer, b []byte) bool {
	if _, err := w.Write(b); err != nil {
		return false
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return false
		}
	}
	return true
}
