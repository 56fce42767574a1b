// Command srt-send pushes a byte stream to an SRT listener. The input
// is a file, stdin, or a generated test pattern that srt-recv -verify
// can check for holes on the far side.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/srt"
	"github.com/zsiec/srt/internal/pattern"
	"github.com/zsiec/srt/internal/tuning"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "127.0.0.1:6000", "destination host:port")
	streamID := flag.String("streamid", "", "stream identity to announce")
	in := flag.String("in", "-", "input file, or - for stdin")
	records := flag.Int("pattern", 0, "send N pattern records instead of -in")
	rate := flag.Int("rate", 0, "pace writes at this many bytes/sec (0 = unpaced)")
	cfgPath := flag.String("config", "", "YAML transport tuning file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := srt.DefaultConfig()
	if *cfgPath != "" {
		if err := tuning.Load(*cfgPath, &cfg); err != nil {
			slog.Error("failed to load tuning", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
	}
	if *streamID != "" {
		cfg.StreamID = *streamID
	}

	var input io.Reader
	switch {
	case *records > 0:
		input = pattern.NewReader(*records)
	case *in == "" || *in == "-":
		input = os.Stdin
	default:
		f, err := os.Open(*in)
		if err != nil {
			slog.Error("cannot open input", "path", *in, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		input = f
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var interrupted atomic.Bool
	go func() {
		sig := <-sigCh
		interrupted.Store(true)
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("srt-send starting",
		"version", version,
		"addr", *addr,
		"stream_id", cfg.StreamID,
		"rate", *rate,
	)

	conn, err := srt.Dial(ctx, *addr, cfg)
	if err != nil {
		slog.Error("connect failed", "error", err)
		os.Exit(1)
	}
	slog.Info("connected", "local", conn.LocalAddr(), "remote", conn.RemoteAddr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	g.Go(func() error {
		defer cancel()
		sent, err := send(gctx, conn, input, *rate)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		slog.Info("input drained", "bytes", sent, "degraded", conn.Degraded())
		return nil
	})

	if err := g.Wait(); err != nil && !interrupted.Load() {
		slog.Error("send failed", "error", err)
		os.Exit(1)
	}
}

// send copies input into the connection, optionally pacing against a
// target byte rate the way a live source would.
func send(ctx context.Context, conn *srt.Conn, input io.Reader, rate int) (int64, error) {
	buf := make([]byte, 32*1024)
	start := time.Now()
	var total int64
	for {
		n, err := input.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if rate > 0 {
				if perr := pace(ctx, start, total, rate); perr != nil {
					return total, perr
				}
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// pace sleeps until total bytes at rate bytes/sec would have elapsed
// since start. Pacing against the global clock keeps the long-run rate
// exact instead of drifting with per-chunk rounding.
func pace(ctx context.Context, start time.Time, total int64, rate int) error {
	ahead := time.Duration(float64(total)/float64(rate)*float64(time.Second)) - time.Since(start)
	if ahead <= 0 {
		return nil
	}
	t := time.NewTimer(ahead)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
