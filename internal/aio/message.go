package aio

import "time"

// Kind distinguishes the two message shapes the engine accepts, mirroring
// the Message::PRead/PWrite enum in
// _examples/original_source/src/aio.rs.
type Kind int

const (
	KindPRead Kind = iota
	KindPWrite
)

// Result is delivered on a Message's Reply channel exactly once. Buffer
// ownership travels with the message: on a read it is the caller's
// pre-allocated destination, filled in place; on a write it is the data
// that was written, handed back unchanged. The caller owns Buffer before
// and after the round trip either way.
type Result struct {
	Buffer []byte
	N      int
	Err    error
}

// Message is a single pending operation submitted to a Session. Reply must
// be buffered with capacity 1: the worker's send must never block, even if
// the submitter has abandoned the request (connection closed mid-flight).
type Message struct {
	Kind   Kind
	FD     int
	Buffer []byte
	Offset uint64
	// SubmittedAt is set when the message is handed to the submit channel,
	// so the worker can compute per-operation latency on completion.
	SubmittedAt time.Time
	Reply       chan Result
}
