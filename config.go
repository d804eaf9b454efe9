package protostore

import (
	"github.com/behrlich/protostore/internal/constants"
	"github.com/behrlich/protostore/internal/logging"
)

// Config holds the settings needed to open a store and serve it over TCP.
type Config struct {
	// DataDir holds the TOC files and the data file.
	DataDir string

	// NumTCPThreads is the number of reactor lanes; each owns one AIO
	// session and a share of accepted connections.
	NumTCPThreads int

	// MaxQueueDepth bounds in-flight AIO operations per lane.
	MaxQueueDepth int

	// ShortCircuitReads makes the connection handler answer reads with a
	// fixed body without touching the index or AIO engine. Test-only.
	ShortCircuitReads bool

	// ListenAddr is the TCP address to bind.
	ListenAddr string

	// MaxBodyLen bounds a single request/response body.
	MaxBodyLen uint32

	// LogLevel sets the verbosity of the logger Open creates for the server
	// and its lanes; the package-wide default logger is not changed.
	LogLevel logging.LogLevel
}

// DefaultConfig returns the configuration documented in SPEC_FULL.md §6.
func DefaultConfig() Config {
	return Config{
		DataDir:           "./db",
		NumTCPThreads:     constants.DefaultNumTCPThreads,
		MaxQueueDepth:     constants.DefaultMaxQueueDepth,
		ShortCircuitReads: false,
		ListenAddr:        constants.DefaultListenAddr,
		MaxBodyLen:        constants.DefaultMaxBodyLen,
		LogLevel:          logging.LevelInfo,
	}
}

// Validate fills in zero-valued (or, for the counts, non-positive) fields
// from DefaultConfig. It rejects nothing and always returns nil.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.NumTCPThreads <= 0 {
		c.NumTCPThreads = def.NumTCPThreads
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = def.MaxQueueDepth
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.MaxBodyLen == 0 {
		c.MaxBodyLen = def.MaxBodyLen
	}
	return nil
}
