// Package config holds the client's run-time configuration: server
// endpoint, cache directory layout, and bandwidth/concurrency knobs.
// Following daemon/config/config.go's shape, this is a plain struct
// with a DefaultConfig constructor; spec.md §1 explicitly treats
// config-file loading and CLI parsing as out-of-scope collaborators,
// so cmd/tarsnap overrides these fields directly from flag.Parse
// rather than this package gaining a parser of its own.
package config

import (
	"os"
	"path/filepath"
)

// Config holds the client's run-time configuration.
type Config struct {
	// Server is the storage service's host:port, matching spec.md
	// §6's "<TSSERVER>-server.tarsnap.com port 9279" endpoint note.
	Server string

	// CacheDir holds the chunk directory, lockfile, sequence file,
	// and in-progress/checkpoint transaction records (spec.md §6
	// "On-disk cache").
	CacheDir string

	// KeyFile is the path to this machine's keyfile.
	KeyFile string

	// UserAgent is sent during the netproto handshake.
	UserAgent string

	// Aggressive enables multiple simultaneous connections per
	// storage.Client, matching netpacket.Connection's aggressive mode.
	Aggressive bool

	// MaxBytesOut/MaxBytesIn cap outgoing/incoming bandwidth in
	// bytes/sec; zero disables the cap (spec.md §4.8's
	// "Bandwidth-cap hooks").
	MaxBytesOut uint64
	MaxBytesIn  uint64

	// ReadCacheLimit bounds storage.Reader's in-memory cache, in
	// bytes.
	ReadCacheLimit int
}

// DefaultConfig returns the client's default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "tarsnap")

	return &Config{
		Server:         "tarsnap-server.tarsnap.com:9279",
		CacheDir:       cacheDir,
		KeyFile:        filepath.Join(homeDir, ".tarsnap", "tarsnap.key"),
		UserAgent:      "tarsnap-core",
		Aggressive:     false,
		MaxBytesOut:    0,
		MaxBytesIn:     0,
		ReadCacheLimit: 64 << 20,
	}
}
