package ptpapi

import "github.com/pkg/errors"

// Sentinel errors shared by both endpoints.
var (
	ErrMalformedSegment = errors.New("malformed segment")
	ErrRetryExhausted   = errors.New("retransmission limit reached")
	ErrPeerReset        = errors.New("connection reset by peer")
	ErrLinkClosed       = errors.New("link closed")
	ErrNotEstablished   = errors.New("connection not established")
)

type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateEstablished
	StateClosing
	StateFinWait
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateFinWait:
		return "FIN_WAIT"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}
