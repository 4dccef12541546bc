package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Config holds process-wide options. It is read once at startup; the engine
// copies what it needs into immutable per-download Options so no component
// reads ambient configuration mid-transfer.
type Config struct {
	DownloadDir            string        `yaml:"dir,omitempty"`
	DataDir                string        `yaml:"dataDir,omitempty"`
	MaxConcurrentDownloads int           `yaml:"maxConcurrentDownloads,omitempty"`
	MaxRetries             int           `yaml:"maxRetries,omitempty"`
	RetryDelay             time.Duration `yaml:"retryDelay,omitempty"`

	MinSegmentSize    int64         `yaml:"minSegmentSize,omitempty"`
	MaxSegments       int           `yaml:"maxSegments,omitempty"`
	RebalanceInterval time.Duration `yaml:"rebalanceInterval,omitempty"`
	SlowThresholdPct  float64       `yaml:"slowThresholdPct,omitempty"`

	LegacyConnsPerHost int `yaml:"legacyConnsPerHost,omitempty"`
	MuxConnsPerHost    int `yaml:"muxConnsPerHost,omitempty"`

	ConnectTimeout time.Duration `yaml:"connectTimeout,omitempty"`
	ReadTimeout    time.Duration `yaml:"readTimeout,omitempty"`

	GlobalBandwidthLimit int64 `yaml:"globalBandwidthLimit,omitempty"` // bytes/sec, 0 disables accounting

	WriteBufferSize int64         `yaml:"writeBufferSize,omitempty"`
	FlushInterval   time.Duration `yaml:"flushInterval,omitempty"`

	VerifyIntegrity bool   `yaml:"verifyIntegrity,omitempty"`
	HashAlgorithm   string `yaml:"hashAlgorithm,omitempty"`
	VerifyOnResume  bool   `yaml:"verifyOnResume,omitempty"`
}

// GetConfig reads the configuration file and merges it over the defaults.
// A missing or empty file yields the defaults unchanged.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	return &Config{
		DownloadDir:            zeroOr(cfg.DownloadDir, defaults.DownloadDir),
		DataDir:                zeroOr(cfg.DataDir, defaults.DataDir),
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		MaxRetries:             zeroOr(cfg.MaxRetries, defaults.MaxRetries),
		RetryDelay:             zeroOr(cfg.RetryDelay, defaults.RetryDelay),
		MinSegmentSize:         zeroOr(cfg.MinSegmentSize, defaults.MinSegmentSize),
		MaxSegments:            zeroOr(cfg.MaxSegments, defaults.MaxSegments),
		RebalanceInterval:      zeroOr(cfg.RebalanceInterval, defaults.RebalanceInterval),
		SlowThresholdPct:       zeroOr(cfg.SlowThresholdPct, defaults.SlowThresholdPct),
		LegacyConnsPerHost:     zeroOr(cfg.LegacyConnsPerHost, defaults.LegacyConnsPerHost),
		MuxConnsPerHost:        zeroOr(cfg.MuxConnsPerHost, defaults.MuxConnsPerHost),
		ConnectTimeout:         zeroOr(cfg.ConnectTimeout, defaults.ConnectTimeout),
		ReadTimeout:            zeroOr(cfg.ReadTimeout, defaults.ReadTimeout),
		GlobalBandwidthLimit:   zeroOr(cfg.GlobalBandwidthLimit, defaults.GlobalBandwidthLimit),
		WriteBufferSize:        zeroOr(cfg.WriteBufferSize, defaults.WriteBufferSize),
		FlushInterval:          zeroOr(cfg.FlushInterval, defaults.FlushInterval),
		VerifyIntegrity:        cfg.VerifyIntegrity || defaults.VerifyIntegrity,
		HashAlgorithm:          zeroOr(cfg.HashAlgorithm, defaults.HashAlgorithm),
		VerifyOnResume:         cfg.VerifyOnResume || defaults.VerifyOnResume,
	}, nil
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		DownloadDir:            downloadDir,
		DataDir:                dataDir,
		MaxConcurrentDownloads: maxConcurrentDownloads,
		MaxRetries:             maxRetries,
		RetryDelay:             retryDelay,
		MinSegmentSize:         minSegmentSize,
		MaxSegments:            maxSegments,
		RebalanceInterval:      rebalanceEvery,
		SlowThresholdPct:       slowThresholdPct,
		LegacyConnsPerHost:     legacyConnsPerHost,
		MuxConnsPerHost:        muxConnsPerHost,
		ConnectTimeout:         connectTimeout,
		ReadTimeout:            readTimeout,
		GlobalBandwidthLimit:   0,
		WriteBufferSize:        writeBufferSize,
		FlushInterval:          flushInterval,
		VerifyIntegrity:        true,
		HashAlgorithm:          hashAlgorithm,
		VerifyOnResume:         true,
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}
	return v
}
