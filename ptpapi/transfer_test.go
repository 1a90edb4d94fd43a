package ptpapi

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptp-udp/linkapi"
)

func TestTransferNoLoss(t *testing.T) {
	data := pattern(12345)
	res := transfer(t, data, SenderConfig{}, ReceiverConfig{}, nil)

	require.NoError(t, res.sendErr)
	require.NoError(t, res.recvErr)
	assert.Equal(t, data, res.output)

	assert.Equal(t, uint64(len(data)), res.sendStats.DataBytes)
	assert.Equal(t, uint64(13), res.sendStats.DataSegments)
	assert.Equal(t, uint64(len(data)), res.recvStats.DataBytes)
	assert.Equal(t, uint64(13), res.recvStats.DataSegments)
	assert.Equal(t, StateClosed, res.sender.State())
	assert.Equal(t, StateClosed, res.receiver.State())
}

func TestTransferEmptyInput(t *testing.T) {
	res := transfer(t, nil, SenderConfig{}, ReceiverConfig{}, nil)

	require.NoError(t, res.sendErr)
	require.NoError(t, res.recvErr)
	assert.Empty(t, res.output)
	assert.Empty(t, res.senderEvents.filter(DirSend, TypeData))
	assert.Len(t, res.senderEvents.filter(DirSend, TypeFin), 1)
}

func TestTransferStopAndWait(t *testing.T) {
	data := pattern(2500)
	res := transfer(t, data, SenderConfig{RTO: 200 * time.Millisecond}, ReceiverConfig{}, nil)
	require.NoError(t, res.sendErr)
	require.NoError(t, res.recvErr)
	assert.Equal(t, data, res.output)

	sent := res.senderEvents.filter(DirSend, TypeData)
	require.Len(t, sent, 3)
	assert.Equal(t, []int{1000, 1000, 500}, []int{sent[0].Length, sent[1].Length, sent[2].Length})
	assert.Equal(t, sent[0].Seq+1000, sent[1].Seq)
	assert.Equal(t, sent[1].Seq+1000, sent[2].Seq)

	syn := res.senderEvents.filter(DirSend, TypeSyn)
	require.Len(t, syn, 1)
	assert.Equal(t, syn[0].Seq+1, sent[0].Seq)

	// every DATA segment is acknowledged before the next one goes out
	var pending *Event
	for _, ev := range res.senderEvents.all() {
		switch {
		case ev.Direction == DirSend && ev.Type == TypeData:
			require.Nil(t, pending, "DATA seq=%d sent while seq=%d unacknowledged", ev.Seq, seqOf(pending))
			pending = &ev
		case ev.Direction == DirRecv && ev.Type == TypeAck && pending != nil:
			if ev.Seq == pending.Seq+uint16(pending.Length) {
				pending = nil
			}
		}
	}
	assert.Nil(t, pending)

	fin := res.senderEvents.filter(DirSend, TypeFin)
	require.Len(t, fin, 1)
	assert.Equal(t, sent[2].Seq+500, fin[0].Seq)
}

func seqOf(ev *Event) uint16 {
	if ev == nil {
		return 0
	}
	return ev.Seq
}

func TestTransferWithLoss(t *testing.T) {
	data := pattern(20000)
	res := transfer(t, data,
		SenderConfig{},
		ReceiverConfig{FLP: 0.1, RLP: 0.1, Seed: 3, TimeWait: 500 * time.Millisecond},
		nil)

	require.NoError(t, res.sendErr)
	require.NoError(t, res.recvErr)
	assert.Equal(t, data, res.output)
	assert.Equal(t, uint64(len(data)), res.recvStats.DataBytes)
	assert.NotZero(t, res.recvStats.DroppedSegments+res.recvStats.DroppedAcks)
	assert.NotZero(t, res.sendStats.Retransmitted)

	// ACKs only ever move forward from the sender's point of view
	acks := res.senderEvents.filter(DirRecv, TypeAck)
	require.NotEmpty(t, acks)
	for i := 1; i < len(acks); i++ {
		assert.True(t, int16(acks[i].Seq-acks[i-1].Seq) >= 0,
			"ack %d after %d", acks[i].Seq, acks[i-1].Seq)
	}
}

func TestTransferReverseLinkDead(t *testing.T) {
	res := transfer(t, pattern(10), SenderConfig{}, ReceiverConfig{RLP: 1}, nil)

	assert.True(t, errors.Is(res.sendErr, ErrRetryExhausted), "%v", res.sendErr)
	assert.Len(t, res.senderEvents.filter(DirSend, TypeSyn), MaxControlRetries+1)
	assert.Len(t, res.senderEvents.filter(DirSend, TypeReset), 1)
	assert.Empty(t, res.senderEvents.filter(DirSend, TypeData))
	assert.Equal(t, uint64(MaxControlRetries), res.sendStats.Retransmitted)

	assert.True(t, errors.Is(res.recvErr, ErrPeerReset), "%v", res.recvErr)
	assert.Equal(t, uint64(MaxControlRetries+1), res.recvStats.DroppedAcks)
	assert.Empty(t, res.output)
}

func TestTransferForwardLinkDead(t *testing.T) {
	res := transfer(t, pattern(10), SenderConfig{}, ReceiverConfig{FLP: 1}, nil)

	assert.True(t, errors.Is(res.sendErr, ErrRetryExhausted), "%v", res.sendErr)
	assert.True(t, errors.Is(res.recvErr, context.Canceled), "%v", res.recvErr)
	assert.Empty(t, res.output)
	// four SYNs and the RESET, none of them seen
	assert.Equal(t, uint64(MaxControlRetries+2), res.recvStats.DroppedSegments)
	assert.Empty(t, res.receiverEvents.filter(DirRecv, TypeSyn))
}

func TestTransferSequenceWrap(t *testing.T) {
	data := pattern(5000)
	res := transfer(t, data, SenderConfig{}, ReceiverConfig{}, func(s *Sender) {
		s.newISN = func() uint16 { return 65000 }
	})
	require.NoError(t, res.sendErr)
	require.NoError(t, res.recvErr)
	assert.Equal(t, data, res.output)

	sent := res.senderEvents.filter(DirSend, TypeData)
	require.Len(t, sent, 5)
	assert.Equal(t, uint16(65001), sent[0].Seq)
	assert.Equal(t, uint16(465), sent[1].Seq)
	fin := res.senderEvents.filter(DirSend, TypeFin)
	require.Len(t, fin, 1)
	assert.Equal(t, uint16(65001+5000-65536), fin[0].Seq)
}

func TestFileTransferOverUDP(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "FileToSend.txt")
	out := filepath.Join(dir, "FileReceived.txt")
	data := pattern(4321)
	require.NoError(t, os.WriteFile(in, data, 0o644))
	require.NoError(t, os.WriteFile(out, []byte("stale contents"), 0o644))

	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: freePort(t)}
	remote := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: freePort(t)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		stats ReceiverStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := RecvFile(ctx, ReceiverConfig{TimeWait: 100 * time.Millisecond, Seed: 1}, remote, out)
		done <- result{stats, err}
	}()
	time.Sleep(50 * time.Millisecond)

	stats, err := SendFile(ctx, SenderConfig{RTO: 50 * time.Millisecond, MaxWin: MSS}, local, remote, in)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), stats.DataBytes)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, uint64(len(data)), r.stats.DataBytes)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSendFileMissingInput(t *testing.T) {
	_, err := SendFile(context.Background(), SenderConfig{RTO: time.Second, MaxWin: MSS},
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, receiverAddr,
		filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// ackFilter drops outgoing ACKs that drop selects.
type ackFilter struct {
	Transport
	drop func(ack uint16) bool
}

func (f ackFilter) SendTo(addr *net.UDPAddr, packet []byte) error {
	if seg, err := ParseSegment(packet); err == nil && seg.Type == TypeAck && f.drop(seg.Seq) {
		return nil
	}
	return f.Transport.SendTo(addr, packet)
}

func TestTransferFinAckLost(t *testing.T) {
	data := pattern(10)
	sl, rl := linkapi.Pipe(senderAddr, receiverAddr)

	recvEvents := &eventRecorder{}
	// ISN 100: DATA 101..110, FIN 111, its ACK 112
	link := ackFilter{Transport: rl, drop: func(ack uint16) bool { return ack == 112 }}
	receiver := NewReceiver(ReceiverConfig{TimeWait: 2 * time.Second, Seed: 1, Events: recvEvents}, link)
	sender := NewSender(SenderConfig{RTO: 20 * time.Millisecond, MaxWin: MSS}, sl, receiverAddr)
	sender.newISN = func() uint16 { return 100 }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	recvErr := make(chan error, 1)
	go func() {
		_, err := receiver.Run(ctx, &out)
		recvErr <- err
	}()

	_, err := sender.Run(ctx, bytes.NewReader(data))
	assert.True(t, errors.Is(err, ErrRetryExhausted), "%v", err)

	select {
	case err := <-recvErr:
		assert.True(t, errors.Is(err, ErrPeerReset), "%v", err)
	case <-time.After(time.Second):
		t.Fatal("receiver stayed in TIME_WAIT after RESET")
	}
	assert.Equal(t, data, out.Bytes())
	assert.Len(t, recvEvents.filter(DirRecv, TypeFin), MaxControlRetries+1)
	assert.Len(t, recvEvents.filter(DirRecv, TypeReset), 1)
}
