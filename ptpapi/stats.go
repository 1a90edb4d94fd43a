package ptpapi

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type senderCounters struct {
	dataBytes     atomic.Uint64 // original payload bytes, retransmissions excluded
	dataSegments  atomic.Uint64 // original DATA segments
	retransmitted atomic.Uint64 // timer-driven resends of any type
	duplicateAcks atomic.Uint64
	segmentsSent  atomic.Uint64 // every transmission, RESET included
}

type SenderStats struct {
	DataBytes     uint64
	DataSegments  uint64
	Retransmitted uint64
	DuplicateAcks uint64
	SegmentsSent  uint64
}

func (c *senderCounters) Snapshot() SenderStats {
	return SenderStats{
		DataBytes:     c.dataBytes.Load(),
		DataSegments:  c.dataSegments.Load(),
		Retransmitted: c.retransmitted.Load(),
		DuplicateAcks: c.duplicateAcks.Load(),
		SegmentsSent:  c.segmentsSent.Load(),
	}
}

func (s SenderStats) Fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("data_bytes", s.DataBytes),
		zap.Uint64("data_segments", s.DataSegments),
		zap.Uint64("retransmitted", s.Retransmitted),
		zap.Uint64("duplicate_acks", s.DuplicateAcks),
		zap.Uint64("segments_sent", s.SegmentsSent),
	}
}

type receiverCounters struct {
	dataBytes         atomic.Uint64
	dataSegments      atomic.Uint64
	duplicateSegments atomic.Uint64
	droppedSegments   atomic.Uint64 // forward loss
	droppedAcks       atomic.Uint64 // reverse loss
	acksSent          atomic.Uint64
}

type ReceiverStats struct {
	DataBytes         uint64
	DataSegments      uint64
	DuplicateSegments uint64
	DroppedSegments   uint64
	DroppedAcks       uint64
	AcksSent          uint64
}

func (c *receiverCounters) Snapshot() ReceiverStats {
	return ReceiverStats{
		DataBytes:         c.dataBytes.Load(),
		DataSegments:      c.dataSegments.Load(),
		DuplicateSegments: c.duplicateSegments.Load(),
		DroppedSegments:   c.droppedSegments.Load(),
		DroppedAcks:       c.droppedAcks.Load(),
		AcksSent:          c.acksSent.Load(),
	}
}

func (s ReceiverStats) Fields() []zap.Field {
	return []zap.Field{
		zap.Uint64("data_bytes", s.DataBytes),
		zap.Uint64("data_segments", s.DataSegments),
		zap.Uint64("duplicate_segments", s.DuplicateSegments),
		zap.Uint64("dropped_segments", s.DroppedSegments),
		zap.Uint64("dropped_acks", s.DroppedAcks),
		zap.Uint64("acks_sent", s.AcksSent),
	}
}
