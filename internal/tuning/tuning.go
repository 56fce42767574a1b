// Package tuning loads transport configuration overrides from a YAML
// file. A file names only the knobs it changes; zero values keep the
// caller's defaults.
package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/srt"
)

// File mirrors the srt.Config knobs that make sense in a config file.
// Durations are plain milliseconds, the unit SRT tooling conventionally
// speaks.
type File struct {
	LatencyMs         int    `yaml:"latency_ms"`
	PayloadSize       int    `yaml:"payload_size"`
	FlowWindow        int    `yaml:"flow_window"`
	ConnTimeoutMs     int    `yaml:"conn_timeout_ms"`
	PeerIdleTimeoutMs int    `yaml:"peer_idle_timeout_ms"`
	MaxRetries        int    `yaml:"max_retries"`
	ACKIntervalMs     int    `yaml:"ack_interval_ms"`
	NAKIntervalMs     int    `yaml:"nak_interval_ms"`
	MaxBW             int64  `yaml:"max_bw"`
	StreamID          string `yaml:"stream_id"`
}

// Load reads path and applies the overrides it names to cfg.
func Load(path string, cfg *srt.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	f.Apply(cfg)
	return nil
}

// Apply copies the non-zero overrides in f onto cfg.
func (f File) Apply(cfg *srt.Config) {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	if f.LatencyMs > 0 {
		cfg.Latency = ms(f.LatencyMs)
	}
	if f.PayloadSize > 0 {
		cfg.PayloadSize = f.PayloadSize
	}
	if f.FlowWindow > 0 {
		cfg.FlowWindow = f.FlowWindow
	}
	if f.ConnTimeoutMs > 0 {
		cfg.ConnTimeout = ms(f.ConnTimeoutMs)
	}
	if f.PeerIdleTimeoutMs > 0 {
		cfg.PeerIdleTimeout = ms(f.PeerIdleTimeoutMs)
	}
	if f.MaxRetries > 0 {
		cfg.MaxRetries = f.MaxRetries
	}
	if f.ACKIntervalMs > 0 {
		cfg.ACKInterval = ms(f.ACKIntervalMs)
	}
	if f.NAKIntervalMs > 0 {
		cfg.NAKInterval = ms(f.NAKIntervalMs)
	}
	if f.MaxBW > 0 {
		cfg.MaxBW = f.MaxBW
	}
	if f.StreamID != "" {
		cfg.StreamID = f.StreamID
	}
}
