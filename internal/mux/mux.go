// Package mux multiplexes SRT connections over a single datagram
// socket. One reader goroutine dispatches inbound packets to
// connections by destination socket ID, one writer goroutine owns all
// writes, and a routing table maps socket IDs to delivery channels.
// Packets with destination zero belong to the handshake phase and are
// routed to a dedicated queue for the listener.
//
// The mux never blocks on a connection: a full delivery queue drops the
// packet, the same as the network would, and the loss machinery
// recovers it.
package mux

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/srt/internal/packet"
)

// ErrClosed is returned by operations on a mux that has shut down.
var ErrClosed = errors.New("srt: mux closed")

// IOError wraps a datagram socket failure with the operation that hit
// it. A read-side IOError is fatal to every connection on the mux.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("srt: socket %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Datagram is one parsed inbound packet and its origin.
type Datagram struct {
	Addr net.Addr
	Pkt  *packet.Packet
}

type outgoing struct {
	addr net.Addr
	buf  []byte
}

const (
	sendQueue      = 1024
	handshakeQueue = 64
	maxDatagram    = 65536
)

// Mux owns a net.PacketConn and routes packets between it and the
// connections registered on it.
type Mux struct {
	pc  net.PacketConn
	log *slog.Logger

	sendCh    chan outgoing
	handshake chan Datagram

	mu      sync.RWMutex
	conns   map[uint32]chan<- Datagram
	failure error
	down    bool

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps pc. The caller must run Run to start packet flow and
// retains responsibility for closing the mux, not pc.
func New(pc net.PacketConn, log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{
		pc:        pc,
		log:       log.With("component", "mux"),
		sendCh:    make(chan outgoing, sendQueue),
		handshake: make(chan Datagram, handshakeQueue),
		conns:     make(map[uint32]chan<- Datagram),
		done:      make(chan struct{}),
	}
}

// Run moves packets until ctx is canceled, Close is called, or the
// socket fails. On return every registered delivery channel and the
// handshake queue are closed; a non-nil error is the socket failure
// that tore the mux down.
func (m *Mux) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(m.readLoop)
	g.Go(m.writeLoop)
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-m.done:
		}
		m.shutdownSocket()
		return nil
	})
	err := g.Wait()
	m.shutdownSocket()
	m.teardown(err)
	return err
}

// Close releases the socket and unblocks Run. Safe to call more than
// once and from any goroutine.
func (m *Mux) Close() error {
	m.shutdownSocket()
	return nil
}

func (m *Mux) shutdownSocket() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.pc.Close()
	})
}

// Register adds a delivery channel under a fresh random nonzero socket
// ID. The mux owns the channel from here on: it is closed by Unregister
// or teardown, never by the caller.
func (m *Mux) Register(ch chan<- Datagram) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, ErrClosed
	}
	for {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("srt: socket id: %w", err)
		}
		id := binary.BigEndian.Uint32(b[:])
		if id == 0 {
			continue
		}
		if _, taken := m.conns[id]; taken {
			continue
		}
		m.conns[id] = ch
		return id, nil
	}
}

// Unregister removes the socket ID and closes its delivery channel.
// Dispatch holds the same lock, so no packet is delivered after
// Unregister returns.
func (m *Mux) Unregister(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.conns[id]
	if !ok {
		return
	}
	delete(m.conns, id)
	close(ch)
}

// Send queues a packet for the writer goroutine. It blocks only when
// the send queue is full and fails once the mux is shut down.
func (m *Mux) Send(addr net.Addr, p *packet.Packet) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	out := outgoing{addr: addr, buf: p.Marshal()}
	select {
	case m.sendCh <- out:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// Handshakes returns the queue of packets addressed to socket ID zero.
// The channel is closed when the mux shuts down.
func (m *Mux) Handshakes() <-chan Datagram { return m.handshake }

// LocalAddr returns the bound address of the underlying socket.
func (m *Mux) LocalAddr() net.Addr { return m.pc.LocalAddr() }

// Err returns the socket failure that tore the mux down, if any.
func (m *Mux) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}

func (m *Mux) readLoop() error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := m.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.done:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return &IOError{Op: "read", Err: err}
		}

		p, err := packet.Unmarshal(buf[:n])
		if err != nil {
			m.log.Debug("dropping malformed datagram", "addr", addr, "err", err)
			continue
		}
		m.dispatch(Datagram{Addr: addr, Pkt: p})
	}
}

func (m *Mux) writeLoop() error {
	for {
		select {
		case <-m.done:
			return nil
		case out := <-m.sendCh:
			if _, err := m.pc.WriteTo(out.buf, out.addr); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				// Transient write failures are the network's problem;
				// a dead socket surfaces on the read side.
				m.log.Warn("datagram write failed", "addr", out.addr, "err", err)
			}
		}
	}
}

func (m *Mux) dispatch(dg Datagram) {
	dst := dg.Pkt.Header.DstSockID
	if dst == 0 {
		select {
		case m.handshake <- dg:
		default:
			m.log.Debug("handshake queue full, dropping packet", "addr", dg.Addr)
		}
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.conns[dst]
	if !ok {
		m.log.Debug("no socket for datagram", "dst", dst, "addr", dg.Addr)
		return
	}
	select {
	case ch <- dg:
	default:
		m.log.Debug("delivery queue full, dropping packet", "dst", dst)
	}
}

func (m *Mux) teardown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = true
	m.failure = err
	for id, ch := range m.conns {
		delete(m.conns, id)
		close(ch)
	}
	close(m.handshake)
}
