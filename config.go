package srt

import (
	"fmt"
	"log/slog"
	"time"
)

// Config carries the tunables for a connection. The zero value is not
// usable directly; start from DefaultConfig and override fields, or leave
// fields zero to have Dial/Listen fill in the defaults.
type Config struct {
	// Latency is the receive-side buffering budget the handshake
	// advertises to the peer. Each side ends up with the larger of its
	// own value and the peer's, and close drains are bounded by it.
	Latency time.Duration

	// PayloadSize caps the data bytes per packet. Writes larger than
	// this are segmented. The default of 1316 keeps packets under a
	// 1500-byte MTU and is a whole number of MPEG-TS cells.
	PayloadSize int

	// FlowWindow is the send and receive window in packets. Writes
	// block while FlowWindow packets are unacknowledged.
	FlowWindow int

	// ConnTimeout bounds the whole handshake in Dial.
	ConnTimeout time.Duration

	// PeerIdleTimeout breaks the connection when nothing at all arrives
	// from the peer for this long.
	PeerIdleTimeout time.Duration

	// MaxRetries caps retransmission attempts per packet. A packet that
	// exhausts its budget is dropped, the peer is told to skip it, and
	// the connection reports Degraded.
	MaxRetries int

	// ACKInterval is the cadence of full acknowledgments.
	ACKInterval time.Duration

	// NAKInterval floors the periodic loss-report cadence. The effective
	// interval grows with the measured RTT.
	NAKInterval time.Duration

	// MaxBW paces output to this many bytes per second. Zero disables
	// pacing.
	MaxBW int64

	// StreamID is an opaque label the caller hands the listener during
	// the handshake, at most 512 bytes. Listeners route or reject on it.
	StreamID string

	// Logger receives connection lifecycle and loss events. Nil falls
	// back to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the tuning used when a Config field is left zero.
func DefaultConfig() Config {
	return Config{
		Latency:         120 * time.Millisecond,
		PayloadSize:     1316,
		FlowWindow:      8192,
		ConnTimeout:     3 * time.Second,
		PeerIdleTimeout: 5 * time.Second,
		MaxRetries:      16,
		ACKInterval:     10 * time.Millisecond,
		NAKInterval:     20 * time.Millisecond,
	}
}

const (
	// maxPayloadSize keeps a full data packet inside a 1500-byte MTU
	// after the 16-byte SRT header and UDP/IP overhead.
	maxPayloadSize = 1456

	// maxStreamIDLen is the handshake extension limit for stream ids.
	maxStreamIDLen = 512

	// maxLatency is the largest value the handshake extension can carry;
	// TSBPD delays travel as 16-bit milliseconds.
	maxLatency = 65535 * time.Millisecond
)

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Latency == 0 {
		c.Latency = d.Latency
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = d.PayloadSize
	}
	if c.FlowWindow == 0 {
		c.FlowWindow = d.FlowWindow
	}
	if c.ConnTimeout == 0 {
		c.ConnTimeout = d.ConnTimeout
	}
	if c.PeerIdleTimeout == 0 {
		c.PeerIdleTimeout = d.PeerIdleTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.ACKInterval == 0 {
		c.ACKInterval = d.ACKInterval
	}
	if c.NAKInterval == 0 {
		c.NAKInterval = d.NAKInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports the first configuration problem it finds. Dial and
// Listen call it after filling in defaults.
func (c Config) Validate() error {
	if c.Latency <= 0 || c.Latency > maxLatency {
		return fmt.Errorf("latency %v outside 0..%v", c.Latency, maxLatency)
	}
	if c.PayloadSize <= 0 || c.PayloadSize > maxPayloadSize {
		return fmt.Errorf("payload size %d outside 1..%d", c.PayloadSize, maxPayloadSize)
	}
	if c.FlowWindow <= 0 {
		return fmt.Errorf("flow window %d not positive", c.FlowWindow)
	}
	if c.ConnTimeout <= 0 {
		return fmt.Errorf("connect timeout %v not positive", c.ConnTimeout)
	}
	if c.PeerIdleTimeout <= 0 {
		return fmt.Errorf("peer idle timeout %v not positive", c.PeerIdleTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries %d below 1", c.MaxRetries)
	}
	if c.ACKInterval < tickInterval {
		return fmt.Errorf("ack interval %v below tick granularity %v", c.ACKInterval, tickInterval)
	}
	if c.NAKInterval < tickInterval {
		return fmt.Errorf("nak interval %v below tick granularity %v", c.NAKInterval, tickInterval)
	}
	if c.MaxBW < 0 {
		return fmt.Errorf("max bandwidth %d negative", c.MaxBW)
	}
	if len(c.StreamID) > maxStreamIDLen {
		return fmt.Errorf("stream id %d bytes exceeds %d", len(c.StreamID), maxStreamIDLen)
	}
	return nil
}
