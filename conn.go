package srt

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/srt/internal/arq"
	"github.com/zsiec/srt/internal/buffer"
	"github.com/zsiec/srt/internal/mux"
	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

// Event loop tuning. The tick drives the ACK cadence, retransmission
// timeouts, and liveness; the queues decouple application goroutines
// from the loop without unbounded buffering.
const (
	tickInterval      = 10 * time.Millisecond
	keepaliveInterval = time.Second
	inboundQueue      = 256
	readQueue         = 128
	writeQueue        = 128
)

// connParams is everything the handshake settles before a connection
// can run.
type connParams struct {
	cfg      Config
	mux      *mux.Mux
	ownsMux  bool
	raddr    net.Addr
	localID  uint32
	peerID   uint32
	inbound  chan mux.Datagram
	streamID string
	sendSeq  seqnum.Value // our initial sequence number
	recvSeq  seqnum.Value // peer's initial sequence number
	start    time.Time    // connection epoch; packet timestamps count from here
	onClose  func()       // optional; runs once when the event loop exits
}

// Conn is a single SRT connection. It implements net.Conn: Read and
// Write move the ordered byte stream while one internal event loop
// goroutine does all the protocol work, so no locks are shared between
// the data path and loss repair.
//
// Read and Write are each safe for one goroutine at a time and may be
// used concurrently with each other and with Close.
type Conn struct {
	cfg Config
	log *slog.Logger

	mux     *mux.Mux
	ownsMux bool
	raddr   net.Addr

	localID  uint32
	peerID   uint32
	streamID string
	start    time.Time

	inbound chan mux.Datagram
	readCh  chan []byte
	writeCh chan []byte
	closeCh chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	state     atomic.Int32
	cause     error    // set before done closes
	tail      [][]byte // residual payloads, filled before readCh closes
	onClose   func()

	readMu  sync.Mutex
	readBuf []byte
	writeMu sync.Mutex

	rdeadline *deadline
	wdeadline *deadline

	// Owned by the event loop.
	sendBuf   *buffer.SendBuffer
	recvBuf   *buffer.RecvBuffer
	sender    *arq.Sender
	receiver  *arq.Receiver
	pacer     *arq.Pacer
	nextMsg   uint32
	lastHeard time.Time
	lastSent  time.Time
	lingerBy  time.Time
}

var _ net.Conn = (*Conn)(nil)

func newConn(p connParams) *Conn {
	rtt := arq.NewRTT()
	sendBuf := buffer.NewSend(p.sendSeq, p.cfg.FlowWindow)
	recvBuf := buffer.NewRecv(p.recvSeq, p.cfg.FlowWindow)
	log := p.cfg.Logger.With("component", "conn", "id", p.localID, "raddr", p.raddr.String())
	c := &Conn{
		cfg:      p.cfg,
		log:      log,
		mux:      p.mux,
		ownsMux:  p.ownsMux,
		raddr:    p.raddr,
		localID:  p.localID,
		peerID:   p.peerID,
		streamID: p.streamID,
		start:    p.start,
		inbound:  p.inbound,
		readCh:   make(chan []byte, readQueue),
		writeCh:  make(chan []byte, writeQueue),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
		onClose:  p.onClose,
		sendBuf:  sendBuf,
		recvBuf:  recvBuf,
		sender:   arq.NewSender(sendBuf, rtt, p.cfg.MaxRetries, log),
		receiver: arq.NewReceiver(recvBuf, buffer.NewLoss(), rtt, arq.ReceiverConfig{
			ACKInterval: p.cfg.ACKInterval,
			NAKInterval: p.cfg.NAKInterval,
		}, log),
		pacer:     arq.NewPacer(p.cfg.MaxBW),
		nextMsg:   1,
		lastHeard: p.start,
		lastSent:  p.start,
		rdeadline: makeDeadline(),
		wdeadline: makeDeadline(),
	}
	c.state.Store(int32(StateConnected))
	go c.run()
	return c
}

// run is the event loop. Every piece of connection state below the
// channels is touched only from here.
func (c *Conn) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	closeReq := c.closeCh
	var (
		heldWrite []byte
		sendGate  <-chan time.Time
	)

	for {
		// At most one ready payload is offered per pass, as a send case
		// in the select, so a slow reader never blocks protocol work.
		var (
			readOut  chan []byte
			readHead []byte
		)
		if payload, ok := c.recvBuf.Peek(); ok {
			readOut = c.readCh
			readHead = payload
		}

		var writeIn chan []byte
		if heldWrite == nil && c.writable() {
			writeIn = c.writeCh
		}

		select {
		case dg, ok := <-c.inbound:
			if !ok {
				err := c.mux.Err()
				if err == nil {
					err = mux.ErrClosed
				}
				c.exit(StateBroken, fmt.Errorf("%w: %w", ErrBroken, err))
				return
			}
			if c.handlePacket(dg) {
				return
			}
		case b := <-writeIn:
			now := time.Now()
			if d := c.pacer.Delay(now, len(b)+packet.HeaderSize); d > 0 {
				heldWrite = b
				sendGate = time.After(d)
			} else {
				c.sendData(now, b)
			}
		case <-sendGate:
			c.sendData(time.Now(), heldWrite)
			heldWrite, sendGate = nil, nil
		case readOut <- readHead:
			c.recvBuf.Pop()
		case now := <-ticker.C:
			if c.tick(now) {
				return
			}
		case <-closeReq:
			closeReq = nil
			c.beginClose(time.Now())
		}

		if State(c.state.Load()) == StateClosing &&
			c.sendBuf.Len() == 0 && heldWrite == nil && len(c.writeCh) == 0 {
			c.finishClose(time.Now())
			return
		}
	}
}

// handlePacket dispatches one datagram from the peer. It reports true
// when the connection is finished and the loop must stop.
func (c *Conn) handlePacket(dg mux.Datagram) bool {
	now := time.Now()
	c.lastHeard = now
	p := dg.Pkt

	if !p.Header.IsControl {
		res, nak := c.receiver.HandleData(now, p)
		if res == buffer.PushOutOfWindow {
			c.log.Debug("receive window full, discarding packet", "seq", uint32(p.Header.Seq))
		}
		if nak != nil {
			c.sendCtl(now, nak)
		}
		return false
	}

	switch p.Header.Type {
	case packet.TypeACK:
		info, err := packet.UnmarshalACK(p)
		if err != nil {
			c.log.Debug("discarding malformed ack", "err", err)
			return false
		}
		c.sender.HandleACK(info)
		if !info.Lite {
			c.sendCtl(now, packet.NewACKACK(0, 0, p.Header.Info))
		}
	case packet.TypeNAK:
		ranges, err := packet.UnmarshalLossList(p.Payload)
		if err != nil {
			c.log.Debug("discarding malformed nak", "err", err)
			return false
		}
		resend, drops := c.sender.HandleNAK(now, ranges)
		for _, rp := range resend {
			c.resendData(now, rp)
		}
		c.sendDrops(now, drops)
	case packet.TypeACKACK:
		c.receiver.HandleACKACK(now, p.Header.Info)
	case packet.TypeDropReq:
		from, to, err := packet.UnmarshalDropReq(p)
		if err != nil {
			c.log.Debug("discarding malformed drop request", "err", err)
			return false
		}
		c.receiver.HandleDrop(from, to)
	case packet.TypeShutdown:
		c.log.Info("peer shut down the connection")
		c.exit(StateClosed, io.EOF)
		return true
	case packet.TypeKeepAlive:
		// lastHeard is already refreshed; nothing else to do.
	default:
		c.log.Debug("ignoring control packet", "type", p.Header.Type.String())
	}
	return false
}

// tick runs the timer-driven half of the protocol. It reports true when
// the connection is finished.
func (c *Conn) tick(now time.Time) bool {
	ack, nak := c.receiver.Tick(now)
	if ack != nil {
		c.sendCtl(now, ack)
	}
	if nak != nil {
		c.sendCtl(now, nak)
	}

	resend, drops := c.sender.Tick(now)
	for _, p := range resend {
		c.resendData(now, p)
	}
	c.sendDrops(now, drops)

	if now.Sub(c.lastSent) >= keepaliveInterval {
		c.sendCtl(now, packet.NewKeepAlive(0, 0))
	}

	if now.Sub(c.lastHeard) > c.cfg.PeerIdleTimeout {
		c.log.Error("peer idle, giving up on the connection", "idle", c.cfg.PeerIdleTimeout)
		c.exit(StateBroken, fmt.Errorf("%w: nothing heard from peer for %v", ErrBroken, c.cfg.PeerIdleTimeout))
		return true
	}

	if State(c.state.Load()) == StateClosing && now.After(c.lingerBy) {
		c.finishClose(now)
		return true
	}
	return false
}

func (c *Conn) beginClose(now time.Time) {
	if State(c.state.Load()) != StateConnected {
		return
	}
	c.state.Store(int32(StateClosing))
	c.lingerBy = now.Add(c.closeLinger())
	c.log.Debug("draining before shutdown", "unacked", c.sendBuf.Len())
}

func (c *Conn) finishClose(now time.Time) {
	c.sendCtl(now, packet.NewShutdown(0, 0))
	c.exit(StateClosed, ErrClosed)
}

// closeLinger bounds how long Close waits for the peer to acknowledge
// data already written.
func (c *Conn) closeLinger() time.Duration {
	if l := 4 * c.cfg.Latency; l > time.Second {
		return l
	}
	return time.Second
}

// writable reports whether the loop should take another application
// write. Closing still drains writes already queued; only the window
// gates them.
func (c *Conn) writable() bool {
	s := State(c.state.Load())
	return (s == StateConnected || s == StateClosing) && c.sendBuf.Free() > 0
}

// sendData assigns the next sequence number to payload and transmits
// it. The caller has already checked that the window has room.
func (c *Conn) sendData(now time.Time, payload []byte) {
	p := packet.NewData(c.peerID, c.ts(now), c.sendBuf.Next(), c.nextMsg, packet.PositionSolo, payload)
	c.nextMsg++
	if c.nextMsg > packet.MaxMsgNo {
		c.nextMsg = 1
	}
	if err := c.sendBuf.Push(p, now); err != nil {
		c.log.Warn("send window refused packet", "err", err)
		return
	}
	c.transmit(now, p)
}

// sendCtl stamps a control packet with the peer's socket id and the
// connection clock, then transmits it.
func (c *Conn) sendCtl(now time.Time, p *packet.Packet) {
	p.Header.DstSockID = c.peerID
	p.Header.Timestamp = c.ts(now)
	c.transmit(now, p)
}

// resendData retransmits a buffered packet unchanged: it keeps its
// original timestamp so the receiver sees the first send time.
func (c *Conn) resendData(now time.Time, p *packet.Packet) {
	c.transmit(now, p)
}

// sendDrops tells the peer to stop waiting for ranges the sender
// abandoned.
func (c *Conn) sendDrops(now time.Time, drops []packet.LossRange) {
	for _, r := range drops {
		c.sendCtl(now, packet.NewDropReq(0, 0, 0, r.From, r.To))
	}
}

func (c *Conn) transmit(now time.Time, p *packet.Packet) {
	c.lastSent = now
	if err := c.mux.Send(c.raddr, p); err != nil {
		// A dead socket surfaces on the read side; nothing to do here.
		c.log.Debug("transmit failed", "err", err)
	}
}

// ts is the packet timestamp: microseconds since the connection epoch,
// wrapping naturally in uint32.
func (c *Conn) ts(now time.Time) uint32 {
	return uint32(now.Sub(c.start).Microseconds())
}

// exit finishes the connection exactly once, from the event loop.
// Residual in-order payloads move where Read can still drain them, and
// cause is published before done closes so Read and Write observe it.
func (c *Conn) exit(s State, cause error) {
	c.state.Store(int32(s))
	c.cause = cause
	for {
		payload, ok := c.recvBuf.Pop()
		if !ok {
			break
		}
		select {
		case c.readCh <- payload:
		default:
			c.tail = append(c.tail, payload)
		}
	}
	close(c.readCh)
	close(c.done)
	c.mux.Unregister(c.localID)
	if c.ownsMux {
		c.mux.Close()
	}
	if c.onClose != nil {
		c.onClose()
	}
	c.log.Info("connection finished", "state", s.String(), "dropped", c.sender.Dropped())
}

// Read pulls from the ordered byte stream. It blocks until data
// arrives, the read deadline expires, or the connection ends. After the
// peer shuts down cleanly, data already received is still delivered
// before io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if len(c.readBuf) > 0 {
			n := copy(b, c.readBuf)
			c.readBuf = c.readBuf[n:]
			return n, nil
		}
		select {
		case payload, ok := <-c.readCh:
			if !ok {
				if len(c.tail) > 0 {
					c.readBuf = c.tail[0]
					c.tail = c.tail[1:]
					continue
				}
				return 0, c.cause
			}
			c.readBuf = payload
		case <-c.rdeadline.wait():
			return 0, os.ErrDeadlineExceeded
		}
	}
}

// Write queues b on the stream, segmented into payload-sized packets.
// It blocks while the flow window is full, applying backpressure, until
// the write deadline expires or the connection ends.
func (c *Conn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	written := 0
	for len(b) > 0 {
		select {
		case <-c.done:
			return written, c.writeErr()
		default:
		}
		n := len(b)
		if n > c.cfg.PayloadSize {
			n = c.cfg.PayloadSize
		}
		payload := make([]byte, n)
		copy(payload, b[:n])
		select {
		case c.writeCh <- payload:
			written += n
			b = b[n:]
		case <-c.wdeadline.wait():
			return written, os.ErrDeadlineExceeded
		case <-c.done:
			return written, c.writeErr()
		}
	}
	return written, nil
}

func (c *Conn) writeErr() error {
	if c.cause == io.EOF {
		// Peer shutdown reads as EOF but writes as a closed connection.
		return ErrClosed
	}
	return c.cause
}

// Close drains unacknowledged data for a bounded linger, tells the peer
// to shut down, and releases the connection. Safe to call more than
// once and from any goroutine; it returns once the connection is down.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	<-c.done
	return nil
}

// LocalAddr returns the bound UDP address.
func (c *Conn) LocalAddr() net.Addr { return c.mux.LocalAddr() }

// RemoteAddr returns the peer's UDP address.
func (c *Conn) RemoteAddr() net.Addr { return c.raddr }

// State reports the connection's lifecycle phase.
func (c *Conn) State() State { return State(c.state.Load()) }

// Degraded reports whether the sending side ever abandoned packets
// after exhausting their retransmission budget. The peer was told to
// skip them, so the stream carries on with a hole.
func (c *Conn) Degraded() bool { return c.sender.Degraded() }

// StreamID returns the stream label presented during the handshake: on
// the dialing side the one from Config, on the accepting side the one
// the caller sent.
func (c *Conn) StreamID() string { return c.streamID }

// SocketID returns the local socket id, the one the peer addresses
// packets to.
func (c *Conn) SocketID() uint32 { return c.localID }

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.rdeadline.set(t)
	c.wdeadline.set(t)
	return nil
}

// SetReadDeadline bounds future and pending Reads. A zero value waits
// forever.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.rdeadline.set(t)
	return nil
}

// SetWriteDeadline bounds future and pending Writes. A zero value
// waits forever.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.wdeadline.set(t)
	return nil
}
