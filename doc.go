// Package srt implements the SRT data plane over UDP: reliable,
// ordered byte streams with retransmission driven by negative
// acknowledgments and bounded by a retry budget, so a lossy link
// degrades instead of stalling.
//
// The API mirrors the net package. Dial performs the caller handshake
// and returns a *Conn; Listen answers handshakes with stateless SYN
// cookies and hands accepted connections out through Accept. Conn
// implements net.Conn, so anything that moves bytes over a net.Conn
// works unchanged over SRT.
//
//	conn, err := srt.Dial(ctx, "ingest.example.com:6000", srt.Config{
//		StreamID: "live/cam1",
//	})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//	_, err = io.Copy(conn, source)
//
// Each connection runs one event loop goroutine that owns all protocol
// state: arriving packets, application writes, and the ACK and
// retransmission timers are its only inputs. Loss repair follows the
// SRT rules: receivers report gaps the moment an arrival exposes them
// and re-report unrepaired ones periodically, senders resend with an
// exponential backoff per packet, and a packet that exhausts
// Config.MaxRetries is abandoned on both sides through a drop request
// so the stream keeps flowing. Connections that abandoned packets
// report Degraded.
//
// Encryption, rendezvous connection setup, and the statistics surface
// of upstream SRT are not implemented.
package srt
