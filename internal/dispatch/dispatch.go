// Package dispatch implements the accept loop and reactor lane assignment:
// one pinned accept goroutine, N reactor lanes each owning one AIO session,
// connections handed to lanes round-robin. Grounded on
// _examples/original_source/src/bin/protostore.rs (main: hwloc enumeration,
// accept thread pinned to PU 0, N TCP threads pinned to PU i+1, round-robin
// AtomicUsize handoff) for the topology and assignment policy, and on the
// teacher's CreateAndServe construct-then-serve sequencing for the overall
// shape. See SPEC_FULL.md §4.5 for the Go-specific lane/goroutine split.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync/atomic"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/behrlich/protostore/internal/aio"
	"github.com/behrlich/protostore/internal/conn"
	"github.com/behrlich/protostore/internal/index"
	"github.com/behrlich/protostore/internal/logging"
	"github.com/behrlich/protostore/internal/topology"
)

// ErrListenFailed wraps a net.Listen failure so callers (protostore.Open)
// can distinguish it from the other fatal-at-startup errors New returns,
// without New importing the root package's Error type.
var ErrListenFailed = errors.New("dispatch: listen failed")

// lane is one reactor: a pinned AIO session plus a goroutine pool that runs
// the handler for every connection assigned to it. Connections share the
// lane's AIO session but are not themselves pinned to its OS thread — see
// the package doc and SPEC_FULL.md §4.5.
type lane struct {
	session *aio.Session
	pool    *gopool.GoPool
}

// Config configures a Dispatcher. NewRing, when set, overrides the ring
// backend used by every lane's AIO session — tests use this to substitute
// an in-memory ring.
type Config struct {
	ListenAddr        string
	NumTCPThreads     int
	MaxQueueDepth     int
	MaxBodyLen        uint32
	ShortCircuitReads bool
	DataFD            int
	Index             *index.Index
	Observer          aio.Observer
	Logger            *logging.Logger
	NewRing           aio.RingFactory
}

// Dispatcher accepts connections and hands each to a reactor lane.
type Dispatcher struct {
	cfg      Config
	listener net.Listener
	lanes    []*lane
	next     atomic.Uint64
}

// Addr returns the bound listener's address. Valid any time after New
// returns successfully; useful in tests that bind to ":0" and need the
// resulting port before Run is even called.
func (d *Dispatcher) Addr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// New binds the listener and constructs the dispatcher's lanes. Binding
// happens here, synchronously, rather than in Run, so a bad ListenAddr is
// a fatal-at-startup error returned from protostore.Open instead of one
// that only surfaces later from Run's goroutine. Each lane gets its own
// aio.Session pinned to processing unit i+1, so PU 0 is left for the
// accept goroutine's eventual pin in Run; lanes past the last available
// unit are all pinned to that last unit.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.NumTCPThreads <= 0 {
		cfg.NumTCPThreads = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListenFailed, err)
	}

	d := &Dispatcher{cfg: cfg, listener: ln}
	for i := 0; i < cfg.NumTCPThreads; i++ {
		pu := topology.ClampToAvailable(i + 1)
		sess, err := aio.NewSession(aio.Config{
			FD:            cfg.DataFD,
			MaxQueueDepth: cfg.MaxQueueDepth,
			CPU:           pu,
			Observer:      cfg.Observer,
			Logger:        cfg.Logger,
			NewRing:       cfg.NewRing,
		})
		if err != nil {
			ln.Close()
			d.closeLanes()
			return nil, fmt.Errorf("dispatch: lane %d: %w", i, err)
		}
		d.lanes = append(d.lanes, &lane{
			session: sess,
			pool:    gopool.NewGoPool(fmt.Sprintf("protostore-lane-%d", i), nil),
		})
	}
	return d, nil
}

func (d *Dispatcher) closeLanes() {
	for _, l := range d.lanes {
		l.session.Close()
	}
}

// Run pins the calling goroutine's OS thread to PU 0 and accepts
// connections on the listener New already bound, until ctx is canceled or
// the listener errors. The pin happens here rather than in New because it
// must run on the same OS thread that will call Accept, which New cannot
// guarantee — Run is typically launched in its own goroutine. A pin
// failure is returned as a fatal error rather than logged and ignored, so
// callers that treat Run's error as fatal (cmd/protostored does) actually
// exit instead of serving unpinned.
func (d *Dispatcher) Run(ctx context.Context) error {
	runtime.LockOSThread()
	if err := topology.BindCurrentThread(topology.ClampToAvailable(0)); err != nil {
		return fmt.Errorf("dispatch: pin accept thread: %w", err)
	}

	ln := d.listener
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	d.cfg.Logger.Info("dispatch: listening", "addr", ln.Addr().String(), "lanes", len(d.lanes))

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("protostore: accept: %w", err)
			}
		}
		d.dispatch(ctx, c)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c net.Conn) {
	idx := d.next.Add(1) % uint64(len(d.lanes))
	l := d.lanes[idx]

	l.pool.CtxGo(ctx, func() {
		defer c.Close()
		h := &conn.Handler{
			Conn:         c,
			Index:        d.cfg.Index,
			Session:      l.session,
			Pool:         aio.NewBufferPool(),
			MaxBodyLen:   d.cfg.MaxBodyLen,
			ShortCircuit: d.cfg.ShortCircuitReads,
			Logger:       d.cfg.Logger,
		}
		if err := h.Serve(ctx); err != nil {
			d.cfg.Logger.Debug("dispatch: connection ended", "remote", c.RemoteAddr(), "error", err)
		}
	})
}

// Close tears down the listener and every lane's AIO session.
func (d *Dispatcher) Close() error {
	if d.listener != nil {
		d.listener.Close()
	}
	d.closeLanes()
	return nil
}
