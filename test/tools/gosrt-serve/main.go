// gosrt-serve runs a reference SRT listener on the pure-Go gosrt stack
// and drains whatever connects. Pointing this repository's srt-send at
// it checks the caller side of the handshake and loss recovery against
// an independent implementation; -verify additionally checks the test
// pattern for holes.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	gosrt "github.com/datarhei/gosrt"

	"github.com/zsiec/srt/internal/pattern"
)

func main() {
	addrFlag := flag.String("addr", ":6001", "listen address")
	verifyFlag := flag.Bool("verify", false, "verify the test pattern instead of counting bytes")
	flag.Parse()

	ln, err := gosrt.Listen("srt", *addrFlag, gosrt.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listen failed: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()
	fmt.Printf("Reference listener on %s\n", *addrFlag)

	for {
		conn, _, err := ln.Accept(func(req gosrt.ConnRequest) gosrt.ConnType {
			fmt.Printf("Connection request, streamid %q\n", req.StreamId())
			return gosrt.PUBLISH
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Accept failed: %v\n", err)
			os.Exit(1)
		}
		if conn == nil {
			continue
		}
		go serve(conn, *verifyFlag)
	}
}

func serve(conn gosrt.Conn, verify bool) {
	defer conn.Close()

	if verify {
		v := pattern.NewVerifier()
		n, err := io.Copy(v, conn)
		r := v.Report()
		fmt.Printf("Stream ended: %d bytes, %d records, %d missing, %d corrupt (err=%v)\n",
			n, r.Records, r.Missing(), r.Corrupt, err)
		return
	}

	n, err := io.Copy(io.Discard, conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stream error after %d bytes: %v\n", n, err)
		return
	}
	fmt.Printf("Stream ended: %d bytes\n", n)
}
