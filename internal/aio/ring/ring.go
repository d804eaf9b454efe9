// Package ring provides the io_uring submission/completion interface the
// AIO engine drives. Two implementations exist, exactly mirroring the
// teacher repo's internal/uring split: a dependency-free default built on
// raw io_uring_setup/io_uring_enter syscalls (minimal.go), and a
// //go:build giouring variant backed by github.com/pawelgaczynski/giouring
// (giouring.go) for callers who want the maintained library's batching and
// feature probing instead of a hand-rolled ring.
package ring

import "errors"

// ErrRingFull is returned by PrepareRead/PrepareWrite when the submission
// queue has no free slots. The AIO engine's slot table already bounds
// in-flight operations to the ring's depth, so this should not occur in
// normal operation; seeing it indicates the two bounds have drifted apart.
var ErrRingFull = errors.New("ring: submission queue full")

// Ring is the subset of io_uring operations the AIO engine needs: prepare
// reads/writes against a registered file descriptor, submit them in a
// batch, and drain completions.
type Ring interface {
	// PrepareRead stages a read SQE without submitting it. userData is
	// returned verbatim on the matching CQE.
	PrepareRead(fd int, buf []byte, offset uint64, userData uint64) error

	// PrepareWrite stages a write SQE without submitting it.
	PrepareWrite(fd int, buf []byte, offset uint64, userData uint64) error

	// Submit flushes all staged SQEs to the kernel with a single
	// io_uring_enter call and returns how many were accepted.
	Submit() (uint32, error)

	// PeekCQE returns the next completion without blocking, ok=false if
	// none is ready.
	PeekCQE() (cqe CQE, ok bool, err error)

	// WaitCQE blocks until at least one completion is available.
	WaitCQE() (CQE, error)

	// RegisterEventFD associates an eventfd with ring completions so an
	// external reactor (the engine's epoll loop) can learn about new CQEs
	// without a dedicated polling thread.
	RegisterEventFD(fd int) error

	// Close releases the ring's kernel resources.
	Close() error
}

// CQE is a completed operation: the user data it was submitted with and its
// result (bytes transferred on success, -errno on failure).
type CQE struct {
	UserData uint64
	Res      int32
}

// Config parameterizes ring construction.
type Config struct {
	// Entries is the submission/completion queue depth.
	Entries uint32
}
