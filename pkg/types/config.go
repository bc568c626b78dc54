package types

import (
	"errors"
	"time"
)

// Config holds backend selection, credentials, and tuning for the replica.
type Config struct {
	Backend      string        `json:"backend" yaml:"backend"`
	DataDir      string        `json:"data_dir" yaml:"data_dir"`
	AppID        string        `json:"app_id" yaml:"app_id"`
	Token        string        `json:"token" yaml:"token"`
	ArchiveDelay time.Duration `json:"archive_delay" yaml:"archive_delay"`
	Sync         SyncConfig    `json:"sync" yaml:"sync"`
}

// SyncConfig controls the peer mesh. An empty Listen address disables the
// inbound endpoint; Peers lists websocket URLs of replicas to dial.
type SyncConfig struct {
	Listen   string        `json:"listen" yaml:"listen"`
	Peers    []string      `json:"peers" yaml:"peers"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Compress bool          `json:"compress" yaml:"compress"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
)

// Defaults applied by DefaultConfig and by the CLI config loader.
const (
	DefaultArchiveDelay = 5 * time.Second
	DefaultSyncInterval = time.Second
)

// Config validation errors.
var (
	ErrBackendEmpty        = errors.New("backend must not be empty")
	ErrBackendUnknown      = errors.New("unknown backend")
	ErrArchiveDelayInvalid = errors.New("archive delay must be positive")
	ErrSyncIntervalInvalid = errors.New("sync interval must be positive")
	ErrSyncPeerInvalid     = errors.New("sync peer must not be empty")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite: true,
}

// DefaultConfig returns a sqlite Config rooted at dataDir with the standard
// archive delay and sync interval.
func DefaultConfig(dataDir string) Config {
	return Config{
		Backend:      BackendSQLite,
		DataDir:      dataDir,
		ArchiveDelay: DefaultArchiveDelay,
		Sync: SyncConfig{
			Interval: DefaultSyncInterval,
			Compress: true,
		},
	}
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure. Credentials are opaque and may be empty.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.ArchiveDelay <= 0 {
		return ErrArchiveDelayInvalid
	}
	if c.Sync.Interval <= 0 {
		return ErrSyncIntervalInvalid
	}
	for _, p := range c.Sync.Peers {
		if p == "" {
			return ErrSyncPeerInvalid
		}
	}
	return nil
}
