package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const configFileName = "stormdl"

const (
	maxConcurrentDownloads = 3
	maxRetries             = 5
	retryDelay             = 1 * time.Second

	minSegmentSize   = 256 * 1024
	maxSegments      = 32
	rebalanceEvery   = 500 * time.Millisecond
	slowThresholdPct = 0.2

	legacyConnsPerHost = 6
	muxConnsPerHost    = 2

	connectTimeout = 5 * time.Second
	readTimeout    = 30 * time.Second

	writeBufferSize = 1024 * 1024
	flushInterval   = 200 * time.Millisecond

	hashAlgorithm = "sha256"
)

var (
	downloadDir = xdg.UserDirs.Download
	dataDir     = filepath.Join(xdg.DataHome, configFileName)
)
