// Package conn implements the per-connection request/response loop: decode
// a frame, resolve it against the index and AIO engine, encode and send
// the response. See SPEC_FULL.md §4.4 and
// _examples/original_source/src/server.rs (handle_client) for the loop
// shape this generalizes — that original hardcodes fake read/write
// responses; respond_read and respond_write here are the full
// implementation spec.md asked the stub to grow into.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/behrlich/protostore/internal/aio"
	"github.com/behrlich/protostore/internal/constants"
	"github.com/behrlich/protostore/internal/errs"
	"github.com/behrlich/protostore/internal/index"
	"github.com/behrlich/protostore/internal/logging"
	"github.com/behrlich/protostore/internal/protocol"
)

// shortCircuitBody is returned for reads when Handler.ShortCircuit is set,
// bypassing the index and AIO engine entirely. Test-only.
var shortCircuitBody = []byte("short-circuit")

// Handler serves one client connection to completion: in order, one
// request at a time, exactly as SPEC_FULL.md §5 requires (no pipelining).
type Handler struct {
	Conn         net.Conn
	Index        *index.Index
	Session      *aio.Session
	Pool         *aio.BufferPool
	MaxBodyLen   uint32
	ShortCircuit bool
	Logger       *logging.Logger
}

// Serve decodes and answers requests until the connection closes or ctx is
// canceled. A clean client disconnect (io.EOF between frames) returns nil;
// any other error is the reason the connection ended.
func (h *Handler) Serve(ctx context.Context) error {
	dec := protocol.NewDecoder(h.Conn, h.MaxBodyLen)
	enc := protocol.Encoder{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			code := errs.ErrConnectionIO
			if errors.Is(err, protocol.ErrBadOpcode) {
				code = errs.ErrBadOpcode
			} else if errors.Is(err, protocol.ErrBadFrame) {
				code = errs.ErrBadFrame
			}
			return errs.Wrap("conn decode", code, err)
		}

		resp, err := h.respond(ctx, req)
		if err != nil {
			h.Logger.Debug("conn: request failed", "id", req.ID, "opcode", req.Opcode, "error", err)
			resp = protocol.Response{ID: req.ID, Body: nil}
		}

		wire := enc.Encode(resp)
		_, werr := h.Conn.Write(wire)
		protocol.Release(wire)
		if werr != nil {
			return errs.Wrap("conn write", errs.ErrConnectionIO, werr)
		}
	}
}

func (h *Handler) respond(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	switch req.Opcode {
	case protocol.OpRead:
		return h.respondRead(ctx, req)
	case protocol.OpWrite:
		return h.respondWrite(ctx, req)
	default:
		return protocol.Response{}, errs.Wrap("conn dispatch", errs.ErrBadOpcode, fmt.Errorf("%w: 0x%02x", protocol.ErrBadOpcode, uint8(req.Opcode)))
	}
}

// wrapStorageErr classifies an error from the AIO session: a queue-full
// rejection keeps its own code so callers can tell backpressure apart from
// an actual I/O failure, everything else is a per-operation AIO error.
// Wrapping an error that is already an *errs.Error (as AIO-layer failures
// already are) preserves its original code, so this only adds an Op layer
// except in the queue-full case.
func wrapStorageErr(op string, err error) error {
	if errors.Is(err, aio.ErrQueueFull) {
		return errs.Wrap(op, errs.ErrQueueFull, err)
	}
	return errs.Wrap(op, errs.ErrAioPerOpError, err)
}

func (h *Handler) respondRead(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if h.ShortCircuit {
		return protocol.Response{ID: req.ID, Body: shortCircuitBody}, nil
	}

	offset, length, ok := h.Index.Lookup(req.Key)
	if !ok {
		return protocol.Response{ID: req.ID, Body: nil}, nil
	}

	geo := alignRead(offset, uint64(length))
	buf := h.Pool.Get(int(geo.alignedLen))
	defer h.Pool.Put(buf)

	if _, err := h.Session.Read(ctx, buf, geo.alignedOffset); err != nil {
		return protocol.Response{}, wrapStorageErr("conn read", err)
	}

	body := make([]byte, length)
	copy(body, buf[geo.padLeft:geo.padLeft+uint64(length)])
	return protocol.Response{ID: req.ID, Body: body}, nil
}

// respondWrite overwrites an existing key's stored bytes in place. Per
// SPEC_FULL.md's Non-goals, the index itself is never mutated at runtime —
// a key must already exist, and the new value must not be longer than the
// space reserved for it — so this never changes a value's offset or
// length, only its content.
func (h *Handler) respondWrite(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	offset, length, ok := h.Index.Lookup(req.Key)
	if !ok {
		return protocol.Response{}, fmt.Errorf("write: unknown key %s", req.Key)
	}
	if uint64(len(req.Body)) > uint64(length) {
		return protocol.Response{}, fmt.Errorf("write: body length %d exceeds reserved length %d", len(req.Body), length)
	}

	geo := alignRead(offset, uint64(length))
	buf := h.Pool.Get(int(geo.alignedLen))
	defer h.Pool.Put(buf)

	// Read-modify-write: direct I/O requires a full sector-aligned buffer
	// even when only part of it changes, so the surrounding sector(s) must
	// be read first and spliced around the new bytes.
	if _, err := h.Session.Read(ctx, buf, geo.alignedOffset); err != nil {
		return protocol.Response{}, wrapStorageErr("conn write: read-modify-write read", err)
	}
	copy(buf[geo.padLeft:], req.Body)

	if _, err := h.Session.Write(ctx, buf, geo.alignedOffset); err != nil {
		return protocol.Response{}, wrapStorageErr("conn write", err)
	}

	return protocol.Response{ID: req.ID, Body: nil}, nil
}

type readGeometry struct {
	alignedOffset uint64
	padLeft       uint64
	alignedLen    uint64
}

// alignRead computes the sector-aligned read window covering [offset,
// offset+length), per SPEC_FULL.md §4.4:
//
//	aligned_offset = offset - (offset mod 512)
//	pad_left       = offset - aligned_offset
//	aligned_len    = max(512, ceil512(pad_left + length))
func alignRead(offset, length uint64) readGeometry {
	const sector = constants.SectorSize
	alignedOffset := offset - (offset % sector)
	padLeft := offset - alignedOffset
	need := padLeft + length
	alignedLen := ((need + sector - 1) / sector) * sector
	if alignedLen < sector {
		alignedLen = sector
	}
	return readGeometry{alignedOffset: alignedOffset, padLeft: padLeft, alignedLen: alignedLen}
}
