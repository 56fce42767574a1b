package srt

import (
	"errors"
	"fmt"

	"github.com/zsiec/srt/internal/arq"
	"github.com/zsiec/srt/internal/packet"
)

var (
	// ErrClosed is returned by operations on a connection that was closed
	// locally, and by writes after the peer sent SHUTDOWN.
	ErrClosed = errors.New("srt: connection closed")

	// ErrBroken is returned once a connection died without a clean
	// shutdown. The wrapped cause carries the detail (peer idle,
	// transport failure).
	ErrBroken = errors.New("srt: connection broken")

	// ErrHandshakeTimeout is returned by Dial when the peer never
	// completed the handshake within ConnTimeout, or the context
	// expired first.
	ErrHandshakeTimeout = errors.New("srt: handshake timed out")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("srt: listener closed")

	// ErrRetransmissionExhausted marks packets abandoned after MaxRetries
	// resend attempts. It surfaces in logs, not in Read/Write errors: the
	// connection keeps moving data and reports Degraded instead.
	ErrRetransmissionExhausted = arq.ErrRetransmissionExhausted
)

// RejectReason is carried in a handshake rejection, both on the wire
// (encoded into the handshake type field) and in RejectedError.
type RejectReason = packet.RejectReason

// Rejection reasons a connection callback can return, plus RejectNone to
// let the connection through. The values mirror the wire encoding.
const (
	RejectNone       RejectReason = packet.RejUnknown
	RejectSystem     RejectReason = packet.RejSystem
	RejectPeer       RejectReason = packet.RejPeer
	RejectResource   RejectReason = packet.RejResource
	RejectRogue      RejectReason = packet.RejRogue
	RejectBacklog    RejectReason = packet.RejBacklog
	RejectIPE        RejectReason = packet.RejIPE
	RejectClose      RejectReason = packet.RejClose
	RejectVersion    RejectReason = packet.RejVersion
	RejectRdvCookie  RejectReason = packet.RejRdvCookie
	RejectBadSecret  RejectReason = packet.RejBadSecret
	RejectUnsecure   RejectReason = packet.RejUnsecure
	RejectMessageAPI RejectReason = packet.RejMessageAPI
	RejectCongestion RejectReason = packet.RejCongestion
	RejectFilter     RejectReason = packet.RejFilter
	RejectGroup      RejectReason = packet.RejGroup
	RejectTimeout    RejectReason = packet.RejTimeout
)

// RejectedError is returned by Dial when the listener refused the
// connection during the handshake.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("srt: connection rejected: %s", e.Reason)
}
