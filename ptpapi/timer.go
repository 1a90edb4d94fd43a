package ptpapi

import (
	"context"
	"time"
)

// MaxControlRetries is how many times SYN or FIN is resent before the
// connection is reset.
const MaxControlRetries = 3

// Retransmission is a segment awaiting its acknowledgement.
type Retransmission struct {
	Segment   Segment
	Ack       uint16    // ACK value that retires the segment
	NumTries  int       // number of times the segment has been sent
	Timestamp time.Time // time the segment was last sent
}

func (r *Retransmission) Retries() int {
	if r.NumTries == 0 {
		return 0
	}
	return r.NumTries - 1
}

// expired reports whether the segment has waited out rto. A tick landing
// within a tenth of rto of the deadline counts, so that scheduling jitter
// does not push the resend to the following tick.
func (r *Retransmission) expired(now time.Time, rto time.Duration) bool {
	return now.Sub(r.Timestamp) >= rto-rto/10
}

// runTimer calls expire on every tick until ctx is done.
func runTimer(ctx context.Context, interval time.Duration, expire func(now time.Time)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expire(time.Now())
		}
	}
}
