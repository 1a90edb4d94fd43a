package ptpapi

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ptp-udp/linkapi"
)

var (
	senderAddr   = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10000}
	receiverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) filter(dir Direction, t SegmentType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Direction == dir && ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type transferResult struct {
	sendStats SenderStats
	sendErr   error
	recvStats ReceiverStats
	recvErr   error
	output    []byte

	sender         *Sender
	receiver       *Receiver
	senderEvents   *eventRecorder
	receiverEvents *eventRecorder
}

// transfer runs a sender and a receiver over an in-memory link. tweak, when
// given, adjusts the sender before it runs.
func transfer(t *testing.T, data []byte, scfg SenderConfig, rcfg ReceiverConfig, tweak func(*Sender)) transferResult {
	t.Helper()
	sl, rl := linkapi.Pipe(senderAddr, receiverAddr)

	res := transferResult{
		senderEvents:   &eventRecorder{},
		receiverEvents: &eventRecorder{},
	}
	if scfg.RTO == 0 {
		scfg.RTO = 20 * time.Millisecond
	}
	if scfg.MaxWin == 0 {
		scfg.MaxWin = MSS
	}
	scfg.Events = res.senderEvents
	if rcfg.TimeWait == 0 {
		rcfg.TimeWait = 100 * time.Millisecond
	}
	if rcfg.Seed == 0 {
		rcfg.Seed = 1
	}
	rcfg.Events = res.receiverEvents

	res.receiver = NewReceiver(rcfg, rl)
	res.sender = NewSender(scfg, sl, receiverAddr)
	if tweak != nil {
		tweak(res.sender)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()

	var out bytes.Buffer
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		res.recvStats, res.recvErr = res.receiver.Run(recvCtx, &out)
	}()

	res.sendStats, res.sendErr = res.sender.Run(ctx, bytes.NewReader(data))
	if res.sendErr != nil {
		// an aborted peer may never hear about it
		time.AfterFunc(200*time.Millisecond, cancelRecv)
	}

	select {
	case <-recvDone:
	case <-time.After(10 * time.Second):
		t.Fatal("receiver did not finish")
	}
	res.output = out.Bytes()
	return res
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func expectSegment(t *testing.T, ch <-chan linkapi.Datagram) Segment {
	t.Helper()
	select {
	case dg, ok := <-ch:
		require.True(t, ok, "link closed")
		seg, err := ParseSegment(dg.Data)
		require.NoError(t, err)
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for segment")
	}
	return Segment{}
}

func expectSilence(t *testing.T, ch <-chan linkapi.Datagram, d time.Duration) {
	t.Helper()
	select {
	case dg, ok := <-ch:
		if ok {
			seg, _ := ParseSegment(dg.Data)
			t.Fatalf("unexpected segment %s seq=%d", seg.Type, seg.Seq)
		}
	case <-time.After(d):
	}
}

func send(t *testing.T, end *linkapi.PipeEnd, seg Segment) {
	t.Helper()
	require.NoError(t, end.SendTo(nil, seg.Marshal()))
}
