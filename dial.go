package srt

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/zsiec/srt/internal/mux"
	"github.com/zsiec/srt/internal/packet"
	"github.com/zsiec/srt/internal/seqnum"
)

const (
	// defaultMTU is advertised in handshakes; path MTU discovery is out
	// of scope, so both sides assume ethernet.
	defaultMTU = 1500

	// handshakeRetry is how often an unanswered handshake packet is
	// resent while ConnTimeout has not expired.
	handshakeRetry = 250 * time.Millisecond
)

// Dial connects to an SRT listener at raddr ("host:port") and returns
// once the handshake completes. The context and Config.ConnTimeout both
// bound the attempt; whichever ends first aborts it with
// ErrHandshakeTimeout.
func Dial(ctx context.Context, raddr string, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("srt: config: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, fmt.Errorf("srt: resolve %s: %w", raddr, err)
	}
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("srt: bind: %w", err)
	}
	return dial(ctx, pc, addr, cfg)
}

// DialPacket runs the caller handshake over an already bound datagram
// socket. The connection owns pc afterwards and closes it on teardown.
func DialPacket(ctx context.Context, pc net.PacketConn, addr net.Addr, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("srt: config: %w", err)
	}
	return dial(ctx, pc, addr, cfg)
}

func dial(ctx context.Context, pc net.PacketConn, addr net.Addr, cfg Config) (*Conn, error) {
	log := cfg.Logger.With("component", "dial", "raddr", addr.String())

	// The mux outlives the dial context: after the handshake it belongs
	// to the connection, which shuts it down on exit.
	m := mux.New(pc, cfg.Logger)
	go m.Run(context.Background())

	inbound := make(chan mux.Datagram, inboundQueue)
	localID, err := m.Register(inbound)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("srt: dial %s: %w", addr, err)
	}
	fail := func(err error) (*Conn, error) {
		m.Close()
		return nil, err
	}

	isn, err := randomSeq()
	if err != nil {
		return fail(fmt.Errorf("srt: dial %s: %w", addr, err))
	}
	start := time.Now()
	ts := func() uint32 { return uint32(time.Since(start).Microseconds()) }

	// Induction first: a version 4 probe the listener answers with its
	// cookie. All caller handshake packets go to socket id zero.
	induction := &packet.Handshake{
		Version:        packet.HSVersion4,
		ExtensionField: packet.HSExtFieldDGram,
		InitialSeq:     isn,
		MTU:            defaultMTU,
		FlowWindow:     uint32(cfg.FlowWindow),
		Type:           packet.HSTypeInduction,
		SocketID:       localID,
		PeerIP:         peerIPOf(addr),
	}
	current := induction
	if err := m.Send(addr, current.Packet(0, ts())); err != nil {
		return fail(fmt.Errorf("srt: dial %s: %w", addr, err))
	}

	giveUp := time.NewTimer(cfg.ConnTimeout)
	defer giveUp.Stop()
	retry := time.NewTicker(handshakeRetry)
	defer retry.Stop()

	var cookie uint32
	concluding := false

	for {
		select {
		case <-ctx.Done():
			return fail(fmt.Errorf("srt: dial %s: %w: %w", addr, ErrHandshakeTimeout, ctx.Err()))
		case <-giveUp.C:
			return fail(fmt.Errorf("srt: dial %s: %w", addr, ErrHandshakeTimeout))
		case <-retry.C:
			if err := m.Send(addr, current.Packet(0, ts())); err != nil {
				return fail(fmt.Errorf("srt: dial %s: %w", addr, err))
			}
		case dg, ok := <-inbound:
			if !ok {
				err := m.Err()
				if err == nil {
					err = mux.ErrClosed
				}
				return nil, fmt.Errorf("srt: dial %s: %w", addr, err)
			}
			hs := parseHandshake(dg.Pkt)
			if hs == nil {
				continue
			}
			if hs.Type.IsRejection() {
				return fail(fmt.Errorf("srt: dial %s: %w", addr, &RejectedError{Reason: hs.Type.RejectReason()}))
			}
			switch {
			case !concluding && hs.Type == packet.HSTypeInduction:
				if hs.Version != packet.HSVersion5 || hs.ExtensionField != packet.HSExtFieldMagic {
					log.Debug("induction response without srt magic, ignoring")
					continue
				}
				cookie = hs.SynCookie
				concluding = true
				current = conclusionRequest(cfg, isn, localID, cookie, addr)
				if err := m.Send(addr, current.Packet(0, ts())); err != nil {
					return fail(fmt.Errorf("srt: dial %s: %w", addr, err))
				}
			case concluding && hs.Type == packet.HSTypeConclusion:
				if hs.Version != packet.HSVersion5 {
					log.Debug("conclusion response with wrong version, ignoring", "version", hs.Version)
					continue
				}
				// Each side honors the larger latency.
				if hs.Ext != nil {
					if peer := time.Duration(hs.Ext.SndTSBPDDelay) * time.Millisecond; peer > cfg.Latency {
						cfg.Latency = peer
					}
				}
				c := newConn(connParams{
					cfg:      cfg,
					mux:      m,
					ownsMux:  true,
					raddr:    addr,
					localID:  localID,
					peerID:   hs.SocketID,
					inbound:  inbound,
					streamID: cfg.StreamID,
					sendSeq:  isn,
					recvSeq:  hs.InitialSeq,
					start:    start,
				})
				log.Info("connected", "id", localID, "peer_id", hs.SocketID, "latency", cfg.Latency)
				return c, nil
			default:
				log.Debug("unexpected handshake phase, ignoring", "type", hs.Type.String())
			}
		}
	}
}

// conclusionRequest builds the version 5 conclusion carrying the SRT
// extension and the stream id, proving the cookie back to the listener.
func conclusionRequest(cfg Config, isn seqnum.Value, localID, cookie uint32, addr net.Addr) *packet.Handshake {
	delay := uint16(cfg.Latency / time.Millisecond)
	return &packet.Handshake{
		Version:    packet.HSVersion5,
		InitialSeq: isn,
		MTU:        defaultMTU,
		FlowWindow: uint32(cfg.FlowWindow),
		Type:       packet.HSTypeConclusion,
		SocketID:   localID,
		SynCookie:  cookie,
		PeerIP:     peerIPOf(addr),
		Ext: &packet.HandshakeExtension{
			IsRequest:     true,
			SRTVersion:    packet.SRTVersion,
			Flags:         packet.DefaultFlags,
			RcvTSBPDDelay: delay,
			SndTSBPDDelay: delay,
		},
		StreamID: cfg.StreamID,
	}
}

// parseHandshake returns the decoded handshake or nil for anything that
// is not a well formed handshake packet.
func parseHandshake(p *packet.Packet) *packet.Handshake {
	if !p.Header.IsControl || p.Header.Type != packet.TypeHandshake {
		return nil
	}
	hs, err := packet.UnmarshalHandshake(p)
	if err != nil {
		return nil
	}
	return hs
}

func randomSeq() (seqnum.Value, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("initial sequence number: %w", err)
	}
	return seqnum.New(binary.BigEndian.Uint32(b[:])), nil
}

func peerIPOf(addr net.Addr) (ip [16]byte) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		copy(ip[:], ua.IP.To16())
	}
	return ip
}
