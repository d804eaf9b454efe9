// Package aio implements the asynchronous I/O engine: a pinned worker
// thread owning one io_uring instance, fed by a bounded channel of
// read/write requests and replying through per-request one-shot channels.
// The worker loop mirrors AioThread::poll in
// _examples/original_source/src/aio.rs, with two deliberate deviations
// from that original documented in SPEC_FULL.md §4.2.3 and DESIGN.md:
// readiness is always re-armed after draining completions, and the
// submit-retry loop is bounded instead of looping forever.
package aio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/protostore/internal/aio/ring"
	"github.com/behrlich/protostore/internal/constants"
	"github.com/behrlich/protostore/internal/errs"
	"github.com/behrlich/protostore/internal/logging"
	"github.com/behrlich/protostore/internal/topology"
)

// ErrQueueFull is returned by Read/Write when the session's submit queue is
// at MaxQueueDepth capacity.
var ErrQueueFull = errors.New("aio: queue full")

// ErrClosed is returned by Read/Write once the session's worker has exited,
// whether from Close or a fatal submission error.
var ErrClosed = errors.New("aio: session closed")

// Observer receives per-operation and per-iteration statistics. It is
// defined locally (rather than importing the root package's Observer) to
// keep this package leaf-level; protostore.NoOpObserver and
// protostore.MetricsObserver both satisfy it structurally.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
	ObserveQueueFullRejection()
}

type noopObserver struct{}

func (noopObserver) ObserveRead(uint64, uint64, bool)  {}
func (noopObserver) ObserveWrite(uint64, uint64, bool) {}
func (noopObserver) ObserveQueueDepth(uint32)          {}
func (noopObserver) ObserveQueueFullRejection()        {}

// RingFactory constructs a Ring; overridable in tests to avoid touching a
// real io_uring.
type RingFactory func(ring.Config) (ring.Ring, error)

// Config parameterizes a Session.
type Config struct {
	// FD is the open data file descriptor registered for I/O.
	FD int
	// MaxQueueDepth bounds both the submit channel and the ring depth.
	MaxQueueDepth int
	// CPU pins the worker's OS thread via internal/topology; -1 disables
	// pinning.
	CPU int
	// Observer receives operation statistics; nil uses a no-op.
	Observer Observer
	// Logger receives periodic stats lines and fatal-condition logs.
	Logger *logging.Logger
	// NewRing overrides ring construction; nil uses ring.New.
	NewRing RingFactory
}

// Session owns one pinned worker thread and its io_uring instance.
type Session struct {
	fd     int
	submit chan Message
	done   chan struct{}
	closed atomic.Bool

	// wakeFD is an eventfd the worker's epoll reactor watches alongside
	// the ring's own completion eventfd; do() and Close() write to it so
	// a blocked worker notices new submissions or shutdown immediately
	// instead of only on the next completion.
	wakeFD int
}

// NewSession starts the worker goroutine and blocks until the ring is
// constructed (or construction fails), mirroring the teacher's
// Runner.Start() synchronous-readiness pattern.
func NewSession(cfg Config) (*Session, error) {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = constants.DefaultMaxQueueDepth
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.NewRing == nil {
		cfg.NewRing = ring.New
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("aio setup: wake eventfd: %w", err)
	}

	s := &Session{
		fd:     cfg.FD,
		submit: make(chan Message, cfg.MaxQueueDepth),
		done:   make(chan struct{}),
		wakeFD: wakeFD,
	}

	started := make(chan error, 1)
	go s.run(cfg, started)

	if err := <-started; err != nil {
		return nil, err
	}
	return s, nil
}

// Read submits a read and blocks for its reply, or until ctx is done.
func (s *Session) Read(ctx context.Context, buf []byte, offset uint64) (int, error) {
	return s.do(ctx, KindPRead, buf, offset)
}

// Write submits a write and blocks for its reply, or until ctx is done.
func (s *Session) Write(ctx context.Context, buf []byte, offset uint64) (int, error) {
	return s.do(ctx, KindPWrite, buf, offset)
}

func (s *Session) do(ctx context.Context, kind Kind, buf []byte, offset uint64) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	reply := make(chan Result, 1)
	msg := Message{Kind: kind, FD: s.fd, Buffer: buf, Offset: offset, SubmittedAt: time.Now(), Reply: reply}

	select {
	case s.submit <- msg:
	default:
		return 0, ErrQueueFull
	}
	s.signalWake()

	select {
	case res := <-reply:
		return res.N, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close signals the worker to exit after finishing in-flight operations'
// current pass. It does not wait for completion; callers that need that
// should drain in-flight requests themselves before calling Close.
func (s *Session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
		s.signalWake()
	}
	return nil
}

// signalWake writes to wakeFD so a worker blocked in epoll_wait notices new
// work or shutdown without waiting for the next ring completion. The write
// is best-effort: wakeFD is nonblocking and the eventfd counter coalesces
// repeated wakes, so a full counter (meaning a wake is already pending)
// is not an error.
func (s *Session) signalWake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(s.wakeFD, buf[:])
}

// drainEventFD resets fd's counter to zero so the next edge is delivered by
// epoll_wait. fd is always nonblocking, so a drained (EAGAIN) or already-
// empty eventfd is the expected common case, not an error.
func drainEventFD(fd int) {
	var buf [8]byte
	unix.Read(fd, buf[:])
}

func (s *Session) run(cfg Config, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cfg.CPU >= 0 {
		if err := topology.BindCurrentThread(cfg.CPU); err != nil {
			started <- errs.Wrap("aio setup", errs.ErrAioSetupError, fmt.Errorf("pin worker thread to cpu %d: %w", cfg.CPU, err))
			return
		}
	}

	r, err := cfg.NewRing(ring.Config{Entries: uint32(cfg.MaxQueueDepth)})
	if err != nil {
		started <- errs.Wrap("aio setup", errs.ErrAioSetupError, err)
		return
	}
	defer r.Close()

	// cqEventFD lets the ring tell the reactor a completion is ready
	// without a dedicated polling thread; wakeFD does the same for new
	// submissions and shutdown. epoll_wait blocks on both, mirroring the
	// PollEvented<AioEventFd>-driven poll() in
	// _examples/original_source/src/aio.rs.
	cqEventFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		started <- errs.Wrap("aio setup", errs.ErrAioSetupError, fmt.Errorf("completion eventfd: %w", err))
		return
	}
	defer unix.Close(cqEventFD)

	if err := r.RegisterEventFD(cqEventFD); err != nil {
		started <- errs.Wrap("aio setup", errs.ErrAioSetupError, fmt.Errorf("register completion eventfd: %w", err))
		return
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		started <- errs.Wrap("aio setup", errs.ErrAioSetupError, fmt.Errorf("epoll_create1: %w", err))
		return
	}
	defer unix.Close(epfd)

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, cqEventFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(cqEventFD)}); err != nil {
		started <- errs.Wrap("aio setup", errs.ErrAioSetupError, fmt.Errorf("epoll_ctl add completion fd: %w", err))
		return
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, s.wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(s.wakeFD)}); err != nil {
		started <- errs.Wrap("aio setup", errs.ErrAioSetupError, fmt.Errorf("epoll_ctl add wake fd: %w", err))
		return
	}

	started <- nil

	slots := newSlotTable(cfg.MaxQueueDepth)
	var iterations uint64
	var submittedTotal, completedTotal uint64

	deliver := func(msg *Message, res Result) {
		select {
		case msg.Reply <- res:
		default:
			// Reply is buffered capacity 1 and written at most once, so
			// this branch only fires if the caller never reads — an
			// abandoned (disconnected) request, which is fine to drop.
		}
	}

	handleCompletion := func(c ring.CQE) {
		msg := slots.release(uint32(c.UserData))
		if msg == nil {
			return
		}
		res := Result{Buffer: msg.Buffer}
		if c.Res < 0 {
			res.Err = errs.Wrap("aio operation", errs.ErrAioPerOpError, syscall.Errno(-c.Res))
		} else {
			res.N = int(c.Res)
		}
		completedTotal++
		latencyNs := uint64(time.Since(msg.SubmittedAt).Nanoseconds())
		switch msg.Kind {
		case KindPRead:
			cfg.Observer.ObserveRead(uint64(len(msg.Buffer)), latencyNs, res.Err == nil)
		case KindPWrite:
			cfg.Observer.ObserveWrite(uint64(len(msg.Buffer)), latencyNs, res.Err == nil)
		}
		deliver(msg, res)
	}

	handleSubmission := func(msg Message) {
		tag, ok := slots.acquire(&msg)
		if !ok {
			// Capacity mismatch between the channel buffer and the ring
			// depth should be impossible since both are sized from the
			// same MaxQueueDepth; treat as queue-full rather than panic.
			cfg.Observer.ObserveQueueFullRejection()
			deliver(&msg, Result{Buffer: msg.Buffer, Err: ErrQueueFull})
			return
		}
		var prepErr error
		switch msg.Kind {
		case KindPRead:
			prepErr = r.PrepareRead(msg.FD, msg.Buffer, msg.Offset, uint64(tag))
		case KindPWrite:
			prepErr = r.PrepareWrite(msg.FD, msg.Buffer, msg.Offset, uint64(tag))
		}
		if prepErr != nil {
			slots.release(tag)
			deliver(&msg, Result{Buffer: msg.Buffer, Err: errs.Wrap("aio prepare", errs.ErrAioPerOpError, prepErr)})
			return
		}
		submittedTotal++
	}

	failAll := func(cause error) {
		for tag := uint32(0); tag < uint32(slots.capacity()); tag++ {
			if msg := slots.release(tag); msg != nil {
				deliver(msg, Result{Buffer: msg.Buffer, Err: cause})
			}
		}
	}

	events := make([]unix.EpollEvent, 8)

	for {
		select {
		case <-s.done:
			s.closed.Store(true)
			return
		default:
		}

		for {
			c, ok, _ := r.PeekCQE()
			if !ok {
				break
			}
			handleCompletion(c)
		}

	drainSubmissions:
		for slots.inFlight() < slots.capacity() {
			select {
			case msg := <-s.submit:
				handleSubmission(msg)
			default:
				break drainSubmissions
			}
		}

		if slots.inFlight() > 0 {
			retries := 0
			for {
				if _, err := r.Submit(); err == nil {
					break
				} else if retries >= constants.MaxSubmitRetries {
					cfg.Logger.Error("aio: submit failed after max retries, tearing down session", "error", err)
					s.closed.Store(true)
					failAll(errs.Wrap("aio submit", errs.ErrAioSubmitError, err))
					return
				} else {
					retries++
				}
			}
		}

		cfg.Observer.ObserveQueueDepth(uint32(slots.inFlight()))

		iterations++
		if iterations%constants.StatsLogInterval == 0 {
			cfg.Logger.Debug("aio: stats", "submitted", submittedTotal, "completed", completedTotal, "in_flight", slots.inFlight())
		}

		// Block in epoll_wait for either a ring completion (cqEventFD) or
		// new work/shutdown (wakeFD) regardless of whether anything was in
		// flight before this iteration, so a freshly-submitted-but-not-
		// yet-flushed request's completion is never missed waiting on a
		// stale in-flight count.
		n, err := unix.EpollWait(epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			cfg.Logger.Error("aio: epoll_wait failed", "error", err)
			continue
		}
		for i := 0; i < n; i++ {
			drainEventFD(int(events[i].Fd))
		}
	}
}
