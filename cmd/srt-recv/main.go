// Command srt-recv listens for SRT callers and drains their streams to
// a file or stdout. With -verify it checks the deterministic pattern
// srt-send -pattern emits and reports holes, duplicates gone missing,
// and corruption instead of writing output.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/srt"
	"github.com/zsiec/srt/internal/pattern"
	"github.com/zsiec/srt/internal/tuning"
)

var version = "dev"

var errVerify = errors.New("pattern verification failed")

func main() {
	addr := flag.String("addr", ":6000", "listen address")
	out := flag.String("out", "-", "output file (recreated per connection), or - for stdout")
	verify := flag.Bool("verify", false, "verify the test pattern instead of writing output")
	one := flag.Bool("one", false, "exit after the first connection ends")
	streamID := flag.String("streamid", "", "only admit callers announcing this stream identity")
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

	ln, err := srt.Listen(*addr, cfg)
	if err != nil {
		slog.Error("listen failed", "error", err)
		os.Exit(1)
	}
	if want := *streamID; want != "" {
		ln.SetConnReqFunc(func(req srt.ConnRequest) srt.RejectReason {
			if req.StreamID != want {
				slog.Warn("rejecting caller", "remote", req.RemoteAddr, "stream_id", req.StreamID)
				return srt.RejectPeer
			}
			return srt.RejectNone
		})
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

	slog.Info("srt-recv listening", "version", version, "addr", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		defer cancel()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, srt.ErrListenerClosed) {
					return nil
				}
				return err
			}
			err = serve(conn, *out, *verify)
			if *one {
				return err
			}
		}
	})

	if err := g.Wait(); err != nil && !interrupted.Load() {
		slog.Error("receive failed", "error", err)
		os.Exit(1)
	}
}

// serve drains one connection. Streams are handled one at a time so a
// file sink is never interleaved.
func serve(conn *srt.Conn, out string, verify bool) error {
	log := slog.With("remote", conn.RemoteAddr(), "stream_id", conn.StreamID())
	log.Info("stream connected")
	defer conn.Close()

	if verify {
		v := pattern.NewVerifier()
		n, err := io.Copy(v, conn)
		r := v.Report()
		log.Info("stream ended",
			"bytes", n,
			"records", r.Records,
			"unique", r.Unique,
			"missing", r.Missing(),
			"corrupt", r.Corrupt,
			"resyncs", r.Resyncs,
			"skipped", r.Skipped,
		)
		if err != nil {
			log.Error("read failed", "error", err)
			return err
		}
		if r.Corrupt > 0 {
			return errVerify
		}
		return nil
	}

	dst, closeDst, err := openSink(out)
	if err != nil {
		log.Error("cannot open output", "path", out, "error", err)
		return err
	}
	defer closeDst()

	n, err := io.Copy(dst, conn)
	if err != nil {
		log.Error("read failed", "error", err)
		return err
	}
	log.Info("stream ended", "bytes", n)
	return nil
}

func openSink(out string) (io.Writer, func() error, error) {
	if out == "" || out == "-" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(out)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
