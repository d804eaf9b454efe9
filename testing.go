package protostore

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/protostore/internal/aio/ring"
)

// MockRing is an in-memory stand-in for a real io_uring backed by a plain
// byte slice addressed by offset. It lets tests exercise the full
// dispatcher/connection/AIO path without O_DIRECT, a real block device, or
// a kernel that supports io_uring — the same role the teacher's
// MockBackend played for ublk's in-memory backend tests. It completes
// synchronously on PrepareRead/PrepareWrite, so the eventfd RegisterEventFD
// hands it is signaled there, matching when the completion actually
// becomes visible to PeekCQE.
type MockRing struct {
	mu       sync.Mutex
	File     []byte
	staged   []ring.CQE
	eventFD  int
	hasEvent bool
}

// NewMockRing returns a MockRing backed by a zeroed buffer of the given
// size.
func NewMockRing(size int) *MockRing {
	return &MockRing{File: make([]byte, size)}
}

func (r *MockRing) notify() {
	if !r.hasEvent {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(r.eventFD, buf[:])
}

func (r *MockRing) PrepareRead(fd int, buf []byte, offset uint64, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(buf, r.File[offset:])
	r.staged = append(r.staged, ring.CQE{UserData: userData, Res: int32(n)})
	r.notify()
	return nil
}

func (r *MockRing) PrepareWrite(fd int, buf []byte, offset uint64, userData uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(r.File[offset:], buf)
	r.staged = append(r.staged, ring.CQE{UserData: userData, Res: int32(n)})
	r.notify()
	return nil
}

func (r *MockRing) Submit() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.staged)
	return uint32(n), nil
}

func (r *MockRing) PeekCQE() (ring.CQE, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.staged) == 0 {
		return ring.CQE{}, false, nil
	}
	c := r.staged[0]
	r.staged = r.staged[1:]
	return c, true, nil
}

func (r *MockRing) WaitCQE() (ring.CQE, error) {
	for {
		if c, ok, _ := r.PeekCQE(); ok {
			return c, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *MockRing) RegisterEventFD(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventFD = fd
	r.hasEvent = true
	return nil
}
func (r *MockRing) Close() error { return nil }

// Factory returns a ring.Config-compatible constructor that always yields
// r, for wiring into aio.Config.NewRing or dispatch.Config.NewRing in
// tests.
func (r *MockRing) Factory() func(ring.Config) (ring.Ring, error) {
	return func(ring.Config) (ring.Ring, error) { return r, nil }
}
