package ptpapi

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ptp-udp/linkapi"
)

// delivery is one ledger entry: a DATA segment that reached the output and how
// many times it arrived.
type delivery struct {
	seq   seqnum.Value
	count int
}

func deliveryLess(a, b delivery) bool {
	return a.seq.LessThan(b.seq)
}

// Receiver is the passive end of a PTP connection. A single goroutine (Run)
// owns the connection; the mutex only guards state for State().
type Receiver struct {
	cfg  ReceiverConfig
	link Transport
	log  *zap.Logger
	loss *LossSimulator

	mu    sync.Mutex
	state State

	isn    seqnum.Value // peer's SYN sequence number
	next   seqnum.Value // localSeq: next sequence number expected from the peer
	fin    seqnum.Value // peer's FIN sequence number, valid in TIME_WAIT
	ledger *btree.BTreeG[delivery]

	startTime time.Time
	stats     receiverCounters
}

func NewReceiver(cfg ReceiverConfig, link Transport) *Receiver {
	cfg.setDefaults()
	return &Receiver{
		cfg:    cfg,
		link:   link,
		log:    cfg.Logger.With(zap.String("role", "receiver")),
		loss:   NewLossSimulator(cfg.Seed),
		state:  StateClosed,
		ledger: btree.NewG[delivery](8, deliveryLess),
	}
}

func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) Stats() ReceiverStats {
	return r.stats.Snapshot()
}

// Run listens for one connection and appends its data to sink. It returns
// after TIME_WAIT, on peer RESET, or when ctx is done; whatever was written to
// sink by then stays there.
func (r *Receiver) Run(ctx context.Context, sink io.Writer) (ReceiverStats, error) {
	defer r.link.Close()
	if err := r.cfg.Validate(); err != nil {
		return r.stats.Snapshot(), err
	}

	r.setState(StateListen)
	r.log.Info("listening", zap.Float64("flp", r.cfg.FLP), zap.Float64("rlp", r.cfg.RLP))

	err := r.serve(ctx, sink)
	r.setState(StateClosed)

	stats := r.stats.Snapshot()
	if err != nil {
		r.log.Warn("connection aborted", append(stats.Fields(), zap.Error(err))...)
	} else {
		r.log.Info("connection closed", stats.Fields()...)
	}
	return stats, err
}

func (r *Receiver) serve(ctx context.Context, sink io.Writer) error {
	var timeWait <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeWait:
			return nil
		case dg, ok := <-r.link.Incoming():
			if !ok {
				return ErrLinkClosed
			}
			if err := r.handle(dg, sink); err != nil {
				return err
			}
			if timeWait == nil && r.State() == StateTimeWait {
				timeWait = time.After(r.cfg.TimeWait)
			}
		}
	}
}

func (r *Receiver) handle(dg linkapi.Datagram, sink io.Writer) error {
	if r.cfg.Peer != nil && !sameAddr(r.cfg.Peer, dg.Addr) {
		r.log.Debug("ignoring datagram from stranger", zap.Stringer("from", dg.Addr))
		return nil
	}
	seg, err := ParseSegment(dg.Data)
	if err != nil {
		r.log.Debug("discarding datagram", zap.Stringer("from", dg.Addr), zap.Error(err))
		return nil
	}
	if r.loss.ShouldDrop(r.cfg.FLP) {
		r.record(DirDrop, seg)
		r.stats.droppedSegments.Inc()
		return nil
	}
	r.record(DirRecv, seg)

	switch seg.Type {
	case TypeReset:
		r.log.Warn("peer reset the connection", zap.Stringer("state", r.State()))
		return ErrPeerReset
	case TypeSyn:
		r.onSyn(seg, dg.Addr)
	case TypeData:
		return r.onData(seg, dg.Addr, sink)
	case TypeFin:
		r.onFin(seg, dg.Addr)
	default:
		r.log.Debug("ignoring segment", zap.Stringer("type", seg.Type))
	}
	return nil
}

func (r *Receiver) onSyn(seg Segment, from *net.UDPAddr) {
	switch r.State() {
	case StateListen:
		r.startTime = time.Now()
		r.isn = seqnum.Value(seg.Seq)
		r.next = r.isn.Add(1)
		r.setState(StateEstablished)
		r.sendAck(from, uint16(r.next))
	case StateEstablished:
		// our ACK for it was lost
		if seg.Seq == uint16(r.isn) {
			r.sendAck(from, uint16(r.isn.Add(1)))
		}
	}
}

func (r *Receiver) onData(seg Segment, from *net.UDPAddr, sink io.Writer) error {
	if r.State() != StateEstablished {
		// before the handshake there is nothing to ACK against; in
		// TIME_WAIT late copies are absorbed
		return nil
	}
	seq := r.unwrap(seg.Seq)
	if seq == r.next && len(seg.Payload) > 0 && !r.ledger.Has(delivery{seq: seq}) {
		if _, err := sink.Write(seg.Payload); err != nil {
			return errors.Wrap(err, "write output")
		}
		r.ledger.ReplaceOrInsert(delivery{seq: seq, count: 1})
		r.next = r.next.Add(seqnum.Size(len(seg.Payload)))
		r.stats.dataSegments.Inc()
		r.stats.dataBytes.Add(uint64(len(seg.Payload)))
	} else {
		if d, ok := r.ledger.Get(delivery{seq: seq}); ok {
			d.count++
			r.ledger.ReplaceOrInsert(d)
		}
		r.stats.duplicateSegments.Inc()
	}
	r.sendAck(from, uint16(r.next))
	return nil
}

func (r *Receiver) onFin(seg Segment, from *net.UDPAddr) {
	switch r.State() {
	case StateEstablished:
		r.fin = r.unwrap(seg.Seq)
		r.next = r.fin.Add(1)
		r.sendAck(from, uint16(r.next))
		r.setState(StateTimeWait)
	case StateTimeWait:
		// our ACK for it was lost
		if seg.Seq == uint16(r.fin) {
			r.sendAck(from, uint16(r.next))
		}
	}
}

// unwrap maps a 16-bit wire sequence number onto the nearest value at or
// before r.next.
func (r *Receiver) unwrap(wire uint16) seqnum.Value {
	behind := uint16(r.next) - wire
	return r.next - seqnum.Value(behind)
}

// sendAck transmits ACK(ack) unless reverse loss eats it.
func (r *Receiver) sendAck(to *net.UDPAddr, ack uint16) {
	seg := Segment{Type: TypeAck, Seq: ack}
	if r.loss.ShouldDrop(r.cfg.RLP) {
		r.record(DirDrop, seg)
		r.stats.droppedAcks.Inc()
		return
	}
	if err := r.link.SendTo(to, seg.Marshal()); err != nil {
		r.log.Warn("send failed", zap.Stringer("to", to), zap.Error(err))
		return
	}
	r.stats.acksSent.Inc()
	r.record(DirSend, seg)
}

func (r *Receiver) record(dir Direction, seg Segment) {
	var elapsed time.Duration
	if !r.startTime.IsZero() {
		elapsed = time.Since(r.startTime)
	}
	recordEvent(r.log, r.cfg.Events, Event{
		Direction: dir,
		Elapsed:   elapsed,
		Type:      seg.Type,
		Seq:       seg.Seq,
		Length:    len(seg.Payload),
	})
}

func (r *Receiver) setState(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != st {
		r.log.Debug("state change", zap.Stringer("from", r.state), zap.Stringer("to", st))
	}
	r.state = st
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && (a.IP == nil || a.IP.IsUnspecified() || a.IP.Equal(b.IP))
}
