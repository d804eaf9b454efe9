// Package constants holds shared tuning values for the protostore engine.
package constants

// Direct I/O geometry. Every read submitted to the AIO engine must land on a
// SectorSize-aligned offset with a SectorSize-multiple length; the connection
// handler pads requests out to this boundary before submission.
const (
	SectorSize = 512
)

// Default configuration values, mirrored by Config's zero-value fallbacks.
const (
	// DefaultMaxQueueDepth bounds in-flight AIO operations per engine.
	DefaultMaxQueueDepth = 128

	// DefaultNumTCPThreads is the number of reactor lanes spawned when the
	// caller doesn't request a specific count.
	DefaultNumTCPThreads = 5

	// DefaultListenAddr is the address protostored binds by default.
	DefaultListenAddr = "0.0.0.0:8080"

	// DefaultMaxBodyLen bounds a single request/response body. Frames
	// claiming a larger body_len are rejected as BadFrame before any buffer
	// is allocated for them.
	DefaultMaxBodyLen = 1 << 20

	// MaxValueLength is the largest value the index can describe; the
	// on-disk length field is 16 bits.
	MaxValueLength = 0xFFFF
)

// On-disk table-of-contents file names, relative to a store's data
// directory.
const (
	TOCUUIDsFile   = "protostore.toc.uuids"
	TOCOffsetsFile = "protostore.toc.offsets"
	TOCLengthsFile = "protostore.toc.lengths"
	DataFile       = "protostore.data"
)

// MaxSubmitRetries bounds the AIO worker's retry loop when a batch fails to
// fully submit. The original implementation retried unconditionally; a
// bounded retry here turns a stuck kernel ring into a fatal AioSubmitError
// instead of a livelocked thread.
const MaxSubmitRetries = 8

// StatsLogInterval is how many worker-loop iterations elapse between
// periodic AIO statistics log lines.
const StatsLogInterval = 10000
