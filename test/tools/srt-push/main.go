// srt-push sends a file or the test pattern to an SRT listener through
// the libsrt-backed srtgo binding. It exists to cross-check this
// repository's listener against the reference implementation: if
// srt-push streams into srt-recv cleanly, the wire format and loss
// recovery line up with upstream SRT.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/srt/internal/pattern"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	keyFlag := flag.String("streamid", "interop/push", "stream ID to announce")
	fileFlag := flag.String("file", "", "file to push (default: test pattern)")
	countFlag := flag.Int("pattern", 512, "pattern records to push when no -file is given")
	rateFlag := flag.Int("rate", 0, "target bytes/sec (0 = unpaced)")
	flag.Parse()

	var input io.Reader
	if *fileFlag != "" {
		f, err := os.Open(*fileFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open %s: %v\n", *fileFlag, err)
			os.Exit(1)
		}
		defer f.Close()
		input = f
	} else {
		input = pattern.NewReader(*countFlag)
	}

	cfg := srt.DefaultConfig()
	cfg.StreamID = *keyFlag

	fmt.Printf("[%s] Connecting to SRT %s...\n", cfg.StreamID, *addrFlag)
	conn, err := srt.Dial(*addrFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SRT connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	start := time.Now()
	var total int64
	buf := make([]byte, 1316)
	for {
		n, rerr := input.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				fmt.Fprintf(os.Stderr, "Write failed after %d bytes: %v\n", total, werr)
				os.Exit(1)
			}
			total += int64(n)
			if *rateFlag > 0 {
				// Pace against the global clock so the long-run rate
				// stays exact instead of drifting per chunk.
				expected := float64(total) / float64(*rateFlag)
				if elapsed := time.Since(start).Seconds(); expected > elapsed {
					time.Sleep(time.Duration((expected - elapsed) * float64(time.Second)))
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "Read failed: %v\n", rerr)
			os.Exit(1)
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("[%s] Pushed %d bytes in %s (%.0f B/s)\n",
		cfg.StreamID, total, elapsed.Truncate(time.Millisecond),
		float64(total)/elapsed.Seconds())
}
