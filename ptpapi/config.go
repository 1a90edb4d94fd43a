package ptpapi

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ptp-udp/linkapi"
)

// DefaultTimeWait is how long the receiver lingers after acknowledging FIN.
const DefaultTimeWait = 2 * time.Second

// Transport is the datagram primitive both endpoints run on. Incoming is
// closed when the transport is closed.
type Transport interface {
	Incoming() <-chan linkapi.Datagram
	SendTo(addr *net.UDPAddr, packet []byte) error
	Close() error
}

type SenderConfig struct {
	RTO    time.Duration // retransmission timeout, also the timer tick
	MaxWin int           // maximum window in bytes; transfer stays stop-and-wait

	Logger *zap.Logger
	Events EventSink
}

func (c SenderConfig) Validate() error {
	if c.RTO <= 0 {
		return errors.Errorf("rto must be positive, got %s", c.RTO)
	}
	if c.MaxWin < MSS {
		return errors.Errorf("max_win must be at least %d bytes, got %d", MSS, c.MaxWin)
	}
	return nil
}

func (c *SenderConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Events == nil {
		c.Events = nopSink{}
	}
}

type ReceiverConfig struct {
	FLP      float64       // forward loss probability (DATA, SYN, FIN, RESET)
	RLP      float64       // reverse loss probability (ACK)
	TimeWait time.Duration // TIME_WAIT linger; DefaultTimeWait if zero
	Peer     *net.UDPAddr  // when set, datagrams from other addresses are ignored
	Seed     uint64        // loss simulator seed; derived from the clock if zero

	Logger *zap.Logger
	Events EventSink
}

func (c ReceiverConfig) Validate() error {
	if c.FLP < 0 || c.FLP > 1 {
		return errors.Errorf("flp must be within [0, 1], got %v", c.FLP)
	}
	if c.RLP < 0 || c.RLP > 1 {
		return errors.Errorf("rlp must be within [0, 1], got %v", c.RLP)
	}
	if c.TimeWait < 0 {
		return errors.Errorf("time-wait must not be negative, got %s", c.TimeWait)
	}
	return nil
}

func (c *ReceiverConfig) setDefaults() {
	if c.TimeWait == 0 {
		c.TimeWait = DefaultTimeWait
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Events == nil {
		c.Events = nopSink{}
	}
}
