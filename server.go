// Package protostore implements a read-optimized key-value serving engine:
// values live in one large data file at offsets recorded by a memory-mapped
// index, served over a length-prefixed TCP protocol through Linux io_uring.
// See SPEC_FULL.md for the full system description and
// _examples/ehrlich-b-go-ublk/backend.go's CreateAndServe for the
// construct-then-serve orchestration this mirrors.
package protostore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/behrlich/protostore/internal/constants"
	"github.com/behrlich/protostore/internal/dispatch"
	"github.com/behrlich/protostore/internal/index"
	"github.com/behrlich/protostore/internal/logging"
)

// Server owns an open index, an open data file descriptor, and the
// dispatcher that serves them over TCP.
type Server struct {
	cfg    Config
	logger *logging.Logger
	index  *index.Index
	dataFD int

	metrics    *Metrics
	dispatcher *dispatch.Dispatcher
}

// Open validates cfg, memory-maps the index, and opens the data file with
// O_DIRECT, matching the original implementation's DirectFile::open. It
// also binds the TCP listener and starts every lane's AIO session, but
// accepts no connections; call Run for that.
func Open(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger(&logging.Config{Level: cfg.LogLevel})

	idx, err := index.Open(cfg.DataDir)
	if err != nil {
		var malformed *index.MalformedIndexError
		if errors.As(err, &malformed) {
			return nil, &Error{Op: "open", Code: ErrMalformedIndex, Msg: cfg.DataDir, Inner: err}
		}
		// A missing TOC file surfaces as a plain filesystem error (see
		// index.Open), distinct from a malformed one.
		return nil, fmt.Errorf("protostore: open index: %w", err)
	}

	dataPath := filepath.Join(cfg.DataDir, constants.DataFile)
	fd, err := unix.Open(dataPath, unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		idx.Close()
		return nil, &Error{Op: "open", Code: ErrDataOpenError, Msg: dataPath, Inner: err}
	}

	metrics := NewMetrics()
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		index:   idx,
		dataFD:  fd,
		metrics: metrics,
	}

	d, err := dispatch.New(dispatch.Config{
		ListenAddr:        cfg.ListenAddr,
		NumTCPThreads:     cfg.NumTCPThreads,
		MaxQueueDepth:     cfg.MaxQueueDepth,
		MaxBodyLen:        cfg.MaxBodyLen,
		ShortCircuitReads: cfg.ShortCircuitReads,
		DataFD:            fd,
		Index:             idx,
		Observer:          NewMetricsObserver(metrics),
		Logger:            logger,
	})
	if err != nil {
		s.Close()
		code := ErrAioSetupError
		if errors.Is(err, dispatch.ErrListenFailed) {
			code = ErrBindError
		}
		return nil, &Error{Op: "open", Code: code, Msg: cfg.ListenAddr, Inner: err}
	}
	s.dispatcher = d

	return s, nil
}

// Run serves until ctx is canceled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	return s.dispatcher.Run(ctx)
}

// Metrics returns the server's running metrics snapshot source.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Close tears down the dispatcher, unmaps the index, and closes the data
// file descriptor.
func (s *Server) Close() error {
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.index != nil {
		s.index.Close()
	}
	if s.dataFD != 0 {
		unix.Close(s.dataFD)
	}
	s.metrics.Stop()
	return nil
}
