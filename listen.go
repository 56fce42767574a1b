package srt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zsiec/srt/internal/mux"
	"github.com/zsiec/srt/internal/packet"
)

// acceptBacklog caps connections that completed the handshake but were
// not yet Accepted. Beyond it, conclusions are rejected.
const acceptBacklog = 16

// ConnRequest describes an incoming connection while the listener
// decides whether to take it. No connection state exists yet.
type ConnRequest struct {
	RemoteAddr net.Addr
	StreamID   string
	Version    uint32 // the peer's SRT version from the handshake extension
}

// Listener accepts SRT connections on a UDP socket. Handshakes are
// stateless until the caller proves the SYN cookie back, so floods of
// induction probes allocate nothing.
type Listener struct {
	cfg Config
	log *slog.Logger
	m   *mux.Mux

	secret   [16]byte
	acceptCh chan *Conn

	cbMu    sync.RWMutex
	connReq func(ConnRequest) RejectReason

	mu      sync.Mutex
	entries map[string]*hsEntry

	closeOnce sync.Once
	runDone   chan struct{}
}

// hsEntry pins a negotiated connection to its conclusion response so a
// lost response can be answered again without a second connection.
type hsEntry struct {
	conn     *Conn
	response *packet.Packet
}

// Listen binds addr ("host:port") and starts accepting handshakes.
func Listen(addr string, cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("srt: config: %w", err)
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("srt: listen %s: %w", addr, err)
	}
	return ListenPacket(pc, cfg)
}

// ListenPacket accepts SRT connections over an already bound datagram
// socket. The listener owns pc and closes it on Close.
func ListenPacket(pc net.PacketConn, cfg Config) (*Listener, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("srt: config: %w", err)
	}
	l := &Listener{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "listener", "laddr", pc.LocalAddr().String()),
		m:        mux.New(pc, cfg.Logger),
		acceptCh: make(chan *Conn, acceptBacklog),
		entries:  make(map[string]*hsEntry),
		runDone:  make(chan struct{}),
	}
	if _, err := rand.Read(l.secret[:]); err != nil {
		return nil, fmt.Errorf("srt: cookie secret: %w", err)
	}
	go l.run()
	return l, nil
}

// SetConnReqFunc installs a callback consulted for every incoming
// connection after the cookie checks out. Returning RejectNone admits
// it; any other reason is sent to the caller as a rejection. A nil
// callback admits everything.
func (l *Listener) SetConnReqFunc(cb func(ConnRequest) RejectReason) {
	l.cbMu.Lock()
	l.connReq = cb
	l.cbMu.Unlock()
}

// Accept blocks until the next connection finishes its handshake. It
// returns ErrListenerClosed after Close, or the transport failure that
// took the listener down.
func (l *Listener) Accept() (*Conn, error) {
	conn, ok := <-l.acceptCh
	if !ok {
		if err := l.m.Err(); err != nil {
			return nil, fmt.Errorf("srt: accept: %w", err)
		}
		return nil, ErrListenerClosed
	}
	return conn, nil
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.m.LocalAddr() }

// Close releases the socket. Connections accepted from this listener
// share it and will break; close them first for a clean shutdown.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { l.m.Close() })
	<-l.runDone
	return nil
}

func (l *Listener) run() {
	defer close(l.runDone)
	muxErr := make(chan error, 1)
	go func() { muxErr <- l.m.Run(context.Background()) }()

	for dg := range l.m.Handshakes() {
		l.handleHandshake(dg)
	}
	if err := <-muxErr; err != nil {
		l.log.Error("listener transport failed", "err", err)
	}
	close(l.acceptCh)
}

func (l *Listener) handleHandshake(dg mux.Datagram) {
	hs := parseHandshake(dg.Pkt)
	if hs == nil {
		l.log.Debug("ignoring non-handshake packet for socket zero", "addr", dg.Addr)
		return
	}
	switch hs.Type {
	case packet.HSTypeInduction:
		l.handleInduction(dg.Addr, hs)
	case packet.HSTypeConclusion:
		l.handleConclusion(dg.Addr, hs)
	default:
		l.log.Debug("ignoring handshake phase", "type", hs.Type.String(), "addr", dg.Addr)
	}
}

// handleInduction answers the version 4 probe with the SRT magic and a
// cookie derived from the caller's address. Nothing is allocated.
func (l *Listener) handleInduction(addr net.Addr, hs *packet.Handshake) {
	if hs.Version != packet.HSVersion4 {
		l.log.Debug("induction with unexpected version", "version", hs.Version, "addr", addr)
		return
	}
	resp := &packet.Handshake{
		Version:        packet.HSVersion5,
		ExtensionField: packet.HSExtFieldMagic,
		InitialSeq:     hs.InitialSeq,
		MTU:            defaultMTU,
		FlowWindow:     uint32(l.cfg.FlowWindow),
		Type:           packet.HSTypeInduction,
		SynCookie:      l.cookie(addr, time.Now()),
		PeerIP:         peerIPOf(addr),
	}
	l.send(addr, hs.SocketID, resp)
}

// handleConclusion validates the cookie, consults the connection
// callback, and only then allocates a connection.
func (l *Listener) handleConclusion(addr net.Addr, hs *packet.Handshake) {
	now := time.Now()
	if hs.SynCookie != l.cookie(addr, now) && hs.SynCookie != l.prevCookie(addr, now) {
		l.log.Debug("conclusion with stale or forged cookie, ignoring", "addr", addr)
		return
	}

	key := fmt.Sprintf("%s/%d", addr, hs.SocketID)
	l.mu.Lock()
	if e, ok := l.entries[key]; ok {
		l.mu.Unlock()
		// The first response was lost; repeat it rather than negotiate a
		// second connection.
		if err := l.m.Send(addr, e.response); err != nil {
			l.log.Debug("response retransmit failed", "err", err)
		}
		return
	}
	l.mu.Unlock()

	if hs.Version != packet.HSVersion5 {
		l.reject(addr, hs, packet.RejVersion)
		return
	}
	if hs.Ext == nil {
		l.reject(addr, hs, packet.RejRogue)
		return
	}

	if cb := l.reqFunc(); cb != nil {
		req := ConnRequest{RemoteAddr: addr, StreamID: hs.StreamID, Version: hs.Ext.SRTVersion}
		if reason := cb(req); reason != RejectNone {
			l.reject(addr, hs, reason)
			return
		}
	}

	if len(l.acceptCh) == cap(l.acceptCh) {
		l.reject(addr, hs, packet.RejBacklog)
		return
	}

	inbound := make(chan mux.Datagram, inboundQueue)
	localID, err := l.m.Register(inbound)
	if err != nil {
		l.reject(addr, hs, packet.RejClose)
		return
	}
	isn, err := randomSeq()
	if err != nil {
		l.m.Unregister(localID)
		l.reject(addr, hs, packet.RejSystem)
		return
	}

	cfg := l.cfg
	if peer := time.Duration(hs.Ext.SndTSBPDDelay) * time.Millisecond; peer > cfg.Latency {
		cfg.Latency = peer
	}
	delay := uint16(cfg.Latency / time.Millisecond)
	resp := &packet.Handshake{
		Version:    packet.HSVersion5,
		InitialSeq: isn,
		MTU:        defaultMTU,
		FlowWindow: uint32(cfg.FlowWindow),
		Type:       packet.HSTypeConclusion,
		SocketID:   localID,
		SynCookie:  hs.SynCookie,
		PeerIP:     peerIPOf(addr),
		Ext: &packet.HandshakeExtension{
			IsRequest:     false,
			SRTVersion:    packet.SRTVersion,
			Flags:         hs.Ext.Flags & packet.DefaultFlags,
			RcvTSBPDDelay: delay,
			SndTSBPDDelay: delay,
		},
	}
	rp := resp.Packet(hs.SocketID, 0)

	conn := newConn(connParams{
		cfg:      cfg,
		mux:      l.m,
		ownsMux:  false,
		raddr:    addr,
		localID:  localID,
		peerID:   hs.SocketID,
		inbound:  inbound,
		streamID: hs.StreamID,
		sendSeq:  isn,
		recvSeq:  hs.InitialSeq,
		start:    now,
		onClose:  func() { l.forget(key) },
	})

	l.mu.Lock()
	l.entries[key] = &hsEntry{conn: conn, response: rp}
	l.mu.Unlock()

	if err := l.m.Send(addr, rp); err != nil {
		l.log.Debug("conclusion response failed", "err", err)
	}

	select {
	case l.acceptCh <- conn:
		l.log.Info("accepted connection",
			"addr", addr.String(), "id", localID, "peer_id", hs.SocketID,
			"stream_id", hs.StreamID, "latency", cfg.Latency)
	default:
		// Filled up since the check above; shed the newcomer.
		l.forget(key)
		go conn.Close()
		l.reject(addr, hs, packet.RejBacklog)
	}
}

func (l *Listener) reject(addr net.Addr, hs *packet.Handshake, reason RejectReason) {
	l.log.Info("rejecting connection",
		"addr", addr.String(), "stream_id", hs.StreamID, "reason", reason.String())
	resp := &packet.Handshake{
		Version:    packet.HSVersion5,
		InitialSeq: hs.InitialSeq,
		MTU:        defaultMTU,
		FlowWindow: uint32(l.cfg.FlowWindow),
		Type:       packet.Rejection(reason),
		PeerIP:     peerIPOf(addr),
	}
	l.send(addr, hs.SocketID, resp)
}

func (l *Listener) send(addr net.Addr, dst uint32, hs *packet.Handshake) {
	if err := l.m.Send(addr, hs.Packet(dst, 0)); err != nil {
		l.log.Debug("handshake send failed", "addr", addr, "err", err)
	}
}

func (l *Listener) reqFunc() func(ConnRequest) RejectReason {
	l.cbMu.RLock()
	defer l.cbMu.RUnlock()
	return l.connReq
}

func (l *Listener) forget(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Cookies bind a conclusion to the address its induction came from
// without keeping state: a hash over a per-listener secret, the address,
// and a coarse clock. The previous period stays valid so a handshake
// spanning the rollover still completes.

func (l *Listener) cookie(addr net.Addr, now time.Time) uint32 {
	return l.cookieAt(addr, now.Unix()/60)
}

func (l *Listener) prevCookie(addr net.Addr, now time.Time) uint32 {
	return l.cookieAt(addr, now.Unix()/60-1)
}

func (l *Listener) cookieAt(addr net.Addr, epoch int64) uint32 {
	h := sha256.New()
	h.Write(l.secret[:])
	h.Write([]byte(addr.String()))
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], uint64(epoch))
	h.Write(e[:])
	c := binary.BigEndian.Uint32(h.Sum(nil)[:4])
	if c == 0 {
		c = 1
	}
	return c
}
