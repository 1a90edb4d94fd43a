package ptpapi

import (
	"time"

	"go.uber.org/zap"
)

type Direction string

const (
	DirSend Direction = "snd"
	DirRecv Direction = "rcv"
	DirDrop Direction = "drp"
)

// Event is one segment crossing (or failing to cross) the endpoint's link.
type Event struct {
	Direction Direction
	Elapsed   time.Duration // since the connection's start time
	Type      SegmentType
	Seq       uint16
	Length    int // payload bytes
}

// EventSink receives every Event an endpoint produces. Implementations must be
// safe for concurrent use.
type EventSink interface {
	Record(Event)
}

type nopSink struct{}

func (nopSink) Record(Event) {}

// recordEvent logs ev at debug level and forwards it to the sink.
func recordEvent(log *zap.Logger, sink EventSink, ev Event) {
	log.Debug("segment",
		zap.String("direction", string(ev.Direction)),
		zap.Float64("elapsed_ms", float64(ev.Elapsed.Microseconds())/1000),
		zap.Stringer("type", ev.Type),
		zap.Uint16("seq", ev.Seq),
		zap.Int("length", ev.Length))
	sink.Record(ev)
}
