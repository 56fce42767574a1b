package packet

import (
	"errors"
	"fmt"
)

// Sentinel errors for packet codec misuse. Decode failures on wire data
// are reported as *ParseError instead.
var (
	ErrNotControl   = errors.New("srt: not a control packet")
	ErrNotHandshake = errors.New("srt: not a handshake packet")

	errRangeOrder     = errors.New("range end precedes start")
	errStreamIDLength = errors.New("stream id too long")
)

// ParseError indicates that a datagram could not be decoded as an SRT
// packet. It records which field was being parsed and wraps the
// underlying cause. Receivers drop the datagram and keep the connection
// running.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("srt: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
