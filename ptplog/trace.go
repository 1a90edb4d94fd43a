package ptplog

import (
	"fmt"
	"io"
	"sync"

	"ptp-udp/ptpapi"
)

// TraceWriter renders endpoint events as one line each:
//
//	snd  12.34  D  4522  1000
//
// direction, milliseconds since the connection started, type letter, sequence
// number and payload length.
type TraceWriter struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

func NewTraceWriter(w io.Writer) *TraceWriter {
	return &TraceWriter{w: w}
}

func (t *TraceWriter) Record(ev ptpapi.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	ms := float64(ev.Elapsed.Microseconds()) / 1000
	_, t.err = fmt.Fprintf(t.w, "%-4s %8.2f  %s  %5d  %4d\n",
		ev.Direction, ms, ev.Type.Letter(), ev.Seq, ev.Length)
}

// Err reports the first write failure, if any. Events after it are dropped.
func (t *TraceWriter) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func WriteSenderSummary(w io.Writer, s ptpapi.SenderStats) error {
	_, err := fmt.Fprintf(w, "\n"+
		"Amount of (original) Data Transferred (in bytes): %d\n"+
		"Number of Data Segments Sent (excluding retransmissions): %d\n"+
		"Number of Retransmitted Segments: %d\n"+
		"Number of Duplicate Acknowledgements received: %d\n"+
		"Number of Segments Sent (including RESET): %d\n",
		s.DataBytes, s.DataSegments, s.Retransmitted, s.DuplicateAcks, s.SegmentsSent)
	return err
}

func WriteReceiverSummary(w io.Writer, s ptpapi.ReceiverStats) error {
	_, err := fmt.Fprintf(w, "\n"+
		"Amount of (original) Data Received (in bytes): %d\n"+
		"Number of (original) Data Segments Received: %d\n"+
		"Number of duplicate Data segments received: %d\n"+
		"Number of Data segments dropped: %d\n"+
		"Number of ACK segments dropped: %d\n"+
		"Number of ACK segments sent: %d\n",
		s.DataBytes, s.DataSegments, s.DuplicateSegments, s.DroppedSegments, s.DroppedAcks, s.AcksSent)
	return err
}
