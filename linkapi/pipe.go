package linkapi

import (
	"net"
	"sync"
)

// PipeEnd is one side of an in-process link. Datagrams written with SendTo are
// delivered to the other end whatever address they carry; a full queue drops
// them the way a busy socket would.
type PipeEnd struct {
	addr *net.UDPAddr
	in   chan Datagram
	peer *PipeEnd

	mu     sync.Mutex
	closed bool
}

// Pipe returns two connected ends bound to the given addresses.
func Pipe(a, b *net.UDPAddr) (*PipeEnd, *PipeEnd) {
	ea := &PipeEnd{addr: a, in: make(chan Datagram, 256)}
	eb := &PipeEnd{addr: b, in: make(chan Datagram, 256)}
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

func (p *PipeEnd) Incoming() <-chan Datagram {
	return p.in
}

func (p *PipeEnd) LocalAddr() *net.UDPAddr {
	return p.addr
}

func (p *PipeEnd) SendTo(_ *net.UDPAddr, packet []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrLinkDown
	}
	p.peer.deliver(Datagram{Data: append([]byte(nil), packet...), Addr: p.addr})
	return nil
}

func (p *PipeEnd) deliver(dg Datagram) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.in <- dg:
	default:
	}
}

// Close closes the incoming channel. Later sends to this end are discarded.
func (p *PipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.in)
	}
	return nil
}
