package linkapi

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// BufferSize is the largest datagram read off the socket.
const BufferSize = 1024

var ErrLinkDown = errors.New("link is down")

// Datagram is one UDP payload together with the address it came from.
type Datagram struct {
	Data []byte       // raw datagram bytes
	Addr *net.UDPAddr // the UDP address of the sender
}

type Interface struct {
	Name     string       // the name of the interface (used in logs)
	Udp      net.UDPAddr  // the UDP address this interface is bound to
	Listener *net.UDPConn // socket shared by the reader and all writers
	ReadChan chan Datagram

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Listen binds a UDP socket on addr and starts the reader goroutine. The
// returned interface owns the socket until Close is called.
func Listen(name string, addr *net.UDPAddr) (*Interface, error) {
	listener, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", addr)
	}
	iface := &Interface{
		Name:     name,
		Udp:      *listener.LocalAddr().(*net.UDPAddr),
		Listener: listener,
		ReadChan: make(chan Datagram, 64),
		done:     make(chan struct{}),
	}
	go iface.start()
	return iface, nil
}

// start reads from the socket and writes to the read channel until the socket
// is closed, then closes the channel.
func (iface *Interface) start() {
	defer close(iface.ReadChan)
	for {
		buf := make([]byte, BufferSize)
		n, addr, err := iface.Listener.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces here on some platforms when
			// the peer is not up yet.
			continue
		}
		select {
		case iface.ReadChan <- Datagram{Data: buf[:n], Addr: addr}:
		case <-iface.done:
			return
		}
	}
}

func (iface *Interface) Incoming() <-chan Datagram {
	return iface.ReadChan
}

func (iface *Interface) LocalAddr() *net.UDPAddr {
	addr := iface.Udp
	return &addr
}

func (iface *Interface) SendTo(addr *net.UDPAddr, packet []byte) error {
	n, err := iface.Listener.WriteToUDP(packet, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrLinkDown
		}
		return errors.Wrapf(err, "write to %s", addr)
	}
	if n < len(packet) {
		return errors.Errorf("short write to %s: %d of %d bytes", addr, n, len(packet))
	}
	return nil
}

// Close releases the socket. Safe to call more than once.
func (iface *Interface) Close() error {
	iface.closeOnce.Do(func() {
		close(iface.done)
		iface.closeErr = iface.Listener.Close()
	})
	return iface.closeErr
}
