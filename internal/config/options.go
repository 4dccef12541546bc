package config

import (
	"time"

	"github.com/Augani/stormdl/internal/common"
)

// Options is the immutable per-download configuration snapshot, taken at
// creation time from the process Config plus caller overrides. Components
// receive it by value and never consult global state afterwards.
type Options struct {
	Directory string
	Filename  string // empty: derived from the URL or Content-Disposition
	Headers   map[string]string

	Priority       common.Priority
	BandwidthLimit int64  // bytes/sec for this download, 0 = uncapped
	Checksum       string // user-declared expected digest, empty = server's

	MinSegmentSize    int64
	MaxSegments       int
	RebalanceInterval time.Duration
	SlowThresholdPct  float64

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	WriteBufferSize int64
	FlushInterval   time.Duration

	VerifyIntegrity bool
	HashAlgorithm   string
	VerifyOnResume  bool
}

// OptionsFrom snapshots the process Config into per-download Options.
func OptionsFrom(cfg *Config) Options {
	return Options{
		Directory:         cfg.DownloadDir,
		Priority:          common.PriorityNormal,
		MinSegmentSize:    cfg.MinSegmentSize,
		MaxSegments:       cfg.MaxSegments,
		RebalanceInterval: cfg.RebalanceInterval,
		SlowThresholdPct:  cfg.SlowThresholdPct,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		WriteBufferSize:   cfg.WriteBufferSize,
		FlushInterval:     cfg.FlushInterval,
		VerifyIntegrity:   cfg.VerifyIntegrity,
		HashAlgorithm:     cfg.HashAlgorithm,
		VerifyOnResume:    cfg.VerifyOnResume,
	}
}
