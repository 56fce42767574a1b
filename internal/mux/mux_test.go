package mux

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/srt/internal/packet"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeDatagram struct {
	buf  []byte
	addr net.Addr
}

// fakePacketConn is an in-memory net.PacketConn with injectable
// inbound traffic and errors.
type fakePacketConn struct {
	in       chan fakeDatagram
	out      chan fakeDatagram
	readErr  chan error
	writeErr chan error
	closed   chan struct{}
	once     sync.Once
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		in:       make(chan fakeDatagram, 64),
		out:      make(chan fakeDatagram, 64),
		readErr:  make(chan error, 4),
		writeErr: make(chan error, 4),
		closed:   make(chan struct{}),
	}
}

func (c *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case dg := <-c.in:
		return copy(b, dg.buf), dg.addr, nil
	case err := <-c.readErr:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case err := <-c.writeErr:
		return 0, err
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.out <- fakeDatagram{buf: append([]byte(nil), b...), addr: addr}
	return len(b), nil
}

func (c *fakePacketConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *fakePacketConn) SetDeadline(time.Time) error      { return nil }
func (c *fakePacketConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakePacketConn) SetWriteDeadline(time.Time) error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func startMux(t *testing.T) (*Mux, *fakePacketConn) {
	t.Helper()
	pc := newFakePacketConn()
	m := New(pc, testLogger())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()
	t.Cleanup(func() {
		m.Close()
		<-runErr
	})
	return m, pc
}

func recvDatagram(t *testing.T, ch <-chan Datagram) Datagram {
	t.Helper()
	select {
	case dg, ok := <-ch:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return dg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
	return Datagram{}
}

func inject(pc *fakePacketConn, addr net.Addr, p *packet.Packet) {
	pc.in <- fakeDatagram{buf: p.Marshal(), addr: addr}
}

func TestMuxRoutesBySocketID(t *testing.T) {
	t.Parallel()

	m, pc := startMux(t)
	ch1 := make(chan Datagram, 8)
	ch2 := make(chan Datagram, 8)
	id1, err := m.Register(ch1)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	id2, err := m.Register(ch2)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	inject(pc, fakeAddr("peer-a"), packet.NewKeepAlive(id1, 1))
	inject(pc, fakeAddr("peer-b"), packet.NewShutdown(id2, 2))

	dg := recvDatagram(t, ch1)
	if got, want := dg.Pkt.Header.Type, packet.TypeKeepAlive; got != want {
		t.Fatalf("ch1 packet type = %v, want %v", got, want)
	}
	if got, want := dg.Addr.String(), "peer-a"; got != want {
		t.Fatalf("ch1 addr = %q, want %q", got, want)
	}

	dg = recvDatagram(t, ch2)
	if got, want := dg.Pkt.Header.Type, packet.TypeShutdown; got != want {
		t.Fatalf("ch2 packet type = %v, want %v", got, want)
	}
}

func TestMuxHandshakeQueue(t *testing.T) {
	t.Parallel()

	m, pc := startMux(t)
	hs := &packet.Handshake{
		Version:        packet.HSVersion4,
		ExtensionField: packet.HSExtFieldDGram,
		Type:           packet.HSTypeInduction,
		SocketID:       42,
	}
	inject(pc, fakeAddr("caller"), hs.Packet(0, 0))

	dg := recvDatagram(t, m.Handshakes())
	if got, want := dg.Pkt.Header.Type, packet.TypeHandshake; got != want {
		t.Fatalf("packet type = %v, want %v", got, want)
	}
	if got, want := dg.Addr.String(), "caller"; got != want {
		t.Fatalf("addr = %q, want %q", got, want)
	}
}

func TestMuxUnregisterStopsDelivery(t *testing.T) {
	t.Parallel()

	m, pc := startMux(t)
	ch := make(chan Datagram, 8)
	id, err := m.Register(ch)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	m.Unregister(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel open after Unregister")
	}

	// Traffic for the dead ID is dropped; the mux keeps running.
	inject(pc, fakeAddr("peer"), packet.NewKeepAlive(id, 0))
	inject(pc, fakeAddr("caller"), packet.NewKeepAlive(0, 0))
	recvDatagram(t, m.Handshakes())

	// Unregistering twice is harmless.
	m.Unregister(id)
}

func TestMuxDropsMalformed(t *testing.T) {
	t.Parallel()

	m, pc := startMux(t)
	ch := make(chan Datagram, 8)
	id, err := m.Register(ch)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	pc.in <- fakeDatagram{buf: []byte{0xDE, 0xAD}, addr: fakeAddr("peer")}
	inject(pc, fakeAddr("peer"), packet.NewKeepAlive(id, 0))

	dg := recvDatagram(t, ch)
	if got, want := dg.Pkt.Header.Type, packet.TypeKeepAlive; got != want {
		t.Fatalf("packet type = %v, want %v", got, want)
	}
}

func TestMuxSendMarshalsToWire(t *testing.T) {
	t.Parallel()

	m, pc := startMux(t)
	if err := m.Send(fakeAddr("peer"), packet.NewKeepAlive(7, 9)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case out := <-pc.out:
		if got, want := out.addr.String(), "peer"; got != want {
			t.Fatalf("addr = %q, want %q", got, want)
		}
		p, err := packet.Unmarshal(out.buf)
		if err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if p.Header.Type != packet.TypeKeepAlive || p.Header.DstSockID != 7 || p.Header.Timestamp != 9 {
			t.Fatalf("wire header = %+v", p.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write")
	}
}

func TestMuxWriteFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	m, pc := startMux(t)
	pc.writeErr <- errors.New("interface down")

	if err := m.Send(fakeAddr("peer"), packet.NewKeepAlive(1, 0)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := m.Send(fakeAddr("peer"), packet.NewKeepAlive(2, 0)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case out := <-pc.out:
		p, err := packet.Unmarshal(out.buf)
		if err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if got, want := p.Header.DstSockID, uint32(2); got != want {
			t.Fatalf("delivered dst = %d, want %d", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second write")
	}
}

func TestMuxReadTimeoutContinues(t *testing.T) {
	t.Parallel()

	m, pc := startMux(t)
	ch := make(chan Datagram, 8)
	id, err := m.Register(ch)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	pc.readErr <- timeoutError{}
	inject(pc, fakeAddr("peer"), packet.NewKeepAlive(id, 0))
	recvDatagram(t, ch)
}

func TestMuxReadFailureTearsDown(t *testing.T) {
	t.Parallel()

	pc := newFakePacketConn()
	m := New(pc, testLogger())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	ch := make(chan Datagram, 1)
	if _, err := m.Register(ch); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	pc.readErr <- errors.New("socket wedged")

	err := <-runErr
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("Run() error = %v, want IOError", err)
	}
	if got, want := ioErr.Op, "read"; got != want {
		t.Fatalf("Op = %q, want %q", got, want)
	}

	if _, ok := <-ch; ok {
		t.Fatal("delivery channel open after teardown")
	}
	if _, ok := <-m.Handshakes(); ok {
		t.Fatal("handshake channel open after teardown")
	}
	if m.Err() == nil {
		t.Fatal("Err() = nil after socket failure")
	}
	if _, err := m.Register(make(chan Datagram)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Register() error = %v, want ErrClosed", err)
	}
	if err := m.Send(fakeAddr("peer"), packet.NewKeepAlive(1, 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() error = %v, want ErrClosed", err)
	}
}

func TestMuxRegisterUniqueIDs(t *testing.T) {
	t.Parallel()

	m, _ := startMux(t)
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		id, err := m.Register(make(chan Datagram, 1))
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if id == 0 {
			t.Fatal("Register() allocated socket ID zero")
		}
		if seen[id] {
			t.Fatalf("Register() reused socket ID %d", id)
		}
		seen[id] = true
	}
}

func TestMuxCloseUnblocksRun(t *testing.T) {
	t.Parallel()

	pc := newFakePacketConn()
	m := New(pc, testLogger())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(context.Background()) }()

	m.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run() error = %v, want nil on clean close", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if m.Err() != nil {
		t.Fatalf("Err() = %v after clean close, want nil", m.Err())
	}
}

func TestMuxContextCancelStopsRun(t *testing.T) {
	t.Parallel()

	pc := newFakePacketConn()
	m := New(pc, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
