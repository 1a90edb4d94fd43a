package ptpapi

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
)

// Sender is the active end of a PTP connection. It sends one segment at a time
// and waits for its cumulative ACK before sending the next.
type Sender struct {
	cfg  SenderConfig
	link Transport
	peer *net.UDPAddr
	log  *zap.Logger

	// Lock for connection data, shared by the listen loop, the retransmission
	// timer and the caller driving Open/Send/Close.
	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every transition
	state   State
	opened  bool
	err     error // why the connection ended, nil after a clean close

	isn    seqnum.Value
	next   seqnum.Value // localSeq: next sequence number this end owns
	synced bool

	out    *Retransmission   // the single outstanding segment
	queue  []*Retransmission // DATA segments in send order
	cursor int               // index of the first unacknowledged queue entry

	synRetries int
	finRetries int
	acksSeen   map[seqnum.Value]int // keyed by unwrapped ACK value

	startTime time.Time
	stats     senderCounters

	newISN func() uint16
}

func NewSender(cfg SenderConfig, link Transport, peer *net.UDPAddr) *Sender {
	cfg.setDefaults()
	rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	return &Sender{
		cfg:      cfg,
		link:     link,
		peer:     peer,
		log:      cfg.Logger.With(zap.String("role", "sender"), zap.Stringer("peer", peer)),
		changed:  make(chan struct{}),
		state:    StateClosed,
		acksSeen: make(map[seqnum.Value]int),
		newISN:   func() uint16 { return uint16(rng.Uint32()) },
	}
}

func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sender) Stats() SenderStats {
	return s.stats.Snapshot()
}

// Run transfers everything read from src: open, send, close. It owns the
// background loops and the link, both released before it returns.
func (s *Sender) Run(ctx context.Context, src io.Reader) (SenderStats, error) {
	if err := s.cfg.Validate(); err != nil {
		s.link.Close()
		return s.stats.Snapshot(), err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		s.link.Close()
		return s.stats.Snapshot(), errors.Wrap(err, "read input")
	}

	ctx, stop := s.start(ctx)
	err = s.Open(ctx)
	if err == nil {
		err = s.Send(ctx, data)
	}
	if err == nil {
		err = s.Close(ctx)
	}
	if err != nil {
		// interrupted locally: tell the peer before going away
		s.mu.Lock()
		if s.state != StateClosed {
			s.resetLocked(err)
		}
		s.mu.Unlock()
	}

	stop()
	if cerr := s.link.Close(); cerr != nil {
		s.log.Warn("closing link", zap.Error(cerr))
	}

	stats := s.stats.Snapshot()
	if err != nil {
		s.log.Warn("connection aborted", append(stats.Fields(), zap.Error(err))...)
	} else {
		s.log.Info("connection closed", stats.Fields()...)
	}
	return stats, err
}

// start launches the listen loop and the retransmission timer. stop cancels
// both and waits for them to exit.
func (s *Sender) start(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.listen(ctx)
	}()
	go func() {
		defer wg.Done()
		runTimer(ctx, s.cfg.RTO, s.expire)
	}()
	return ctx, func() {
		cancel()
		wg.Wait()
	}
}

// Open performs the handshake: SYN, then wait for ACK(isn+1).
func (s *Sender) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return errors.New("connection already opened")
	}
	s.opened = true
	s.isn = seqnum.Value(s.newISN())
	s.next = s.isn
	s.startTime = time.Now()
	syn := &Retransmission{
		Segment: Segment{Type: TypeSyn, Seq: uint16(s.isn)},
		Ack:     uint16(s.isn.Add(1)),
	}
	s.setStateLocked(StateSynSent)
	s.out = syn
	s.transmitLocked(syn)
	s.log.Debug("opening", zap.Uint16("isn", uint16(s.isn)), zap.Int("max_win", s.cfg.MaxWin))
	if s.cfg.MaxWin%MSS != 0 {
		s.log.Warn("max_win is not a multiple of the segment size", zap.Int("max_win", s.cfg.MaxWin), zap.Int("mss", MSS))
	}
	s.mu.Unlock()

	return s.waitFor(ctx, func() bool { return s.state != StateSynSent })
}

// Send transfers data as MSS-sized DATA segments, one in flight at a time.
// MaxWin does not widen the window.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	if err := s.waitFor(ctx, func() bool { return s.state != StateSynSent }); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateEstablished || !s.synced {
		err := s.failureLocked()
		s.mu.Unlock()
		return err
	}
	s.queue = segmentize(s.next, data)
	s.cursor = 0
	n := len(s.queue)
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.mu.Lock()
		if s.state != StateEstablished {
			err := s.failureLocked()
			s.mu.Unlock()
			return err
		}
		r := s.queue[i]
		s.out = r
		s.transmitLocked(r)
		s.stats.dataSegments.Inc()
		s.stats.dataBytes.Add(uint64(len(r.Segment.Payload)))
		s.mu.Unlock()

		idx := i
		if err := s.waitFor(ctx, func() bool { return s.cursor > idx || s.state == StateClosed }); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return s.failureLocked()
	}
	s.setStateLocked(StateClosing)
	return nil
}

// Close sends FIN and waits for ACK(localSeq+1). A connection already reset
// sends nothing and reports why it ended.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		err := s.failureLocked()
		s.mu.Unlock()
		return err
	case StateEstablished, StateClosing:
	default:
		st := s.state
		s.mu.Unlock()
		return errors.Wrapf(ErrNotEstablished, "close in %s", st)
	}
	fin := &Retransmission{
		Segment: Segment{Type: TypeFin, Seq: uint16(s.next)},
		Ack:     uint16(s.next.Add(1)),
	}
	s.setStateLocked(StateFinWait)
	s.out = fin
	s.transmitLocked(fin)
	s.mu.Unlock()

	return s.waitFor(ctx, func() bool { return s.state == StateClosed })
}

func (s *Sender) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg, ok := <-s.link.Incoming():
			if !ok {
				s.mu.Lock()
				if s.state != StateClosed {
					s.err = ErrLinkClosed
					s.out = nil
					s.setStateLocked(StateClosed)
				}
				s.mu.Unlock()
				return
			}
			if !sameAddr(s.peer, dg.Addr) {
				s.log.Debug("ignoring datagram from stranger", zap.Stringer("from", dg.Addr))
				continue
			}
			seg, err := ParseSegment(dg.Data)
			if err != nil {
				s.log.Debug("discarding datagram", zap.Stringer("from", dg.Addr), zap.Error(err))
				continue
			}
			s.mu.Lock()
			s.recordLocked(DirRecv, seg)
			switch seg.Type {
			case TypeAck:
				s.handleAckLocked(seg.Seq)
			case TypeReset:
				if s.state != StateClosed {
					s.log.Warn("peer reset the connection", zap.Stringer("state", s.state))
					s.err = ErrPeerReset
					s.out = nil
					s.setStateLocked(StateClosed)
				}
			default:
				s.log.Debug("ignoring segment", zap.Stringer("type", seg.Type))
			}
			s.mu.Unlock()
		}
	}
}

func (s *Sender) handleAckLocked(ack uint16) {
	key := nearest(s.next, ack)
	s.acksSeen[key]++
	if s.acksSeen[key] > 1 {
		s.stats.duplicateAcks.Inc()
	}

	r := s.out
	if r == nil || ack != r.Ack {
		// not what we are waiting for; the timer retries
		return
	}
	s.out = nil
	switch r.Segment.Type {
	case TypeSyn:
		s.next = s.isn.Add(1)
		s.synced = true
		s.setStateLocked(StateEstablished)
	case TypeData:
		s.next = s.next.Add(seqnum.Size(len(r.Segment.Payload)))
		s.cursor++
		s.signalLocked()
	case TypeFin:
		s.next = s.next.Add(1)
		s.setStateLocked(StateClosed)
	}
}

// expire runs on every timer tick.
func (s *Sender) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.out
	if r == nil || s.state == StateClosed || !r.expired(now, s.cfg.RTO) {
		return
	}
	if r.Segment.Type.IsControl() && r.Retries() >= MaxControlRetries {
		s.resetLocked(errors.Wrapf(ErrRetryExhausted, "%s sent %d times", r.Segment.Type, r.NumTries))
		return
	}
	s.transmitLocked(r)
	s.stats.retransmitted.Inc()
	switch r.Segment.Type {
	case TypeSyn:
		s.synRetries++
	case TypeFin:
		s.finRetries++
	}
	s.log.Debug("retransmitted",
		zap.Stringer("type", r.Segment.Type),
		zap.Uint16("seq", r.Segment.Seq),
		zap.Int("tries", r.NumTries))
}

// resetLocked aborts the connection with RESET.
func (s *Sender) resetLocked(cause error) {
	s.log.Warn("resetting connection",
		zap.Stringer("state", s.state),
		zap.Int("syn_retries", s.synRetries),
		zap.Int("fin_retries", s.finRetries),
		zap.Error(cause))
	s.sendLocked(Segment{Type: TypeReset, Seq: uint16(s.next)})
	s.out = nil
	s.err = cause
	s.setStateLocked(StateClosed)
}

func (s *Sender) transmitLocked(r *Retransmission) {
	s.sendLocked(r.Segment)
	r.NumTries++
	r.Timestamp = time.Now()
}

// sendLocked writes one segment. A failed write counts as loss; the timer
// covers it.
func (s *Sender) sendLocked(seg Segment) {
	if err := s.link.SendTo(s.peer, seg.Marshal()); err != nil {
		s.log.Warn("send failed", zap.Stringer("type", seg.Type), zap.Error(err))
		return
	}
	s.stats.segmentsSent.Inc()
	s.recordLocked(DirSend, seg)
}

func (s *Sender) recordLocked(dir Direction, seg Segment) {
	var elapsed time.Duration
	if !s.startTime.IsZero() {
		elapsed = time.Since(s.startTime)
	}
	recordEvent(s.log, s.cfg.Events, Event{
		Direction: dir,
		Elapsed:   elapsed,
		Type:      seg.Type,
		Seq:       seg.Seq,
		Length:    len(seg.Payload),
	})
}

func (s *Sender) setStateLocked(st State) {
	if s.state != st {
		s.log.Debug("state change", zap.Stringer("from", s.state), zap.Stringer("to", st))
	}
	s.state = st
	s.signalLocked()
}

func (s *Sender) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// failureLocked is the error reported once the connection cannot carry on.
func (s *Sender) failureLocked() error {
	if s.err != nil {
		return s.err
	}
	return errors.Wrapf(ErrNotEstablished, "state %s", s.state)
}

// waitFor blocks until cond holds (checked under the lock) or ctx is done. It
// reports the abort cause when the connection was torn down meanwhile.
func (s *Sender) waitFor(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		if cond() {
			var err error
			if s.state == StateClosed {
				err = s.err
			}
			s.mu.Unlock()
			return err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// segmentize slices data into MSS-sized DATA segments numbered from start.
func segmentize(start seqnum.Value, data []byte) []*Retransmission {
	queue := make([]*Retransmission, 0, (len(data)+MSS-1)/MSS)
	seq := start
	for off := 0; off < len(data); off += MSS {
		chunk := data[off:min(off+MSS, len(data))]
		next := seq.Add(seqnum.Size(len(chunk)))
		queue = append(queue, &Retransmission{
			Segment: Segment{Type: TypeData, Seq: uint16(seq), Payload: chunk},
			Ack:     uint16(next),
		})
		seq = next
	}
	return queue
}

// nearest maps a 16-bit wire value onto the sequence value closest to base.
func nearest(base seqnum.Value, wire uint16) seqnum.Value {
	return base + seqnum.Value(int32(int16(wire-uint16(base))))
}
