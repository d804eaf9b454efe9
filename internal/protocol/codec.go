package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/cloudwego/gopkg/bufiox"

	"github.com/behrlich/protostore/internal/keys"
)

// Decoder incrementally parses request frames off a byte stream. It wraps
// bufiox.DefaultReader (cloudwego-gopkg) for the buffered, blocking-until-
// enough-bytes-are-available read primitive the frame format needs; the
// teacher repo has no network protocol of its own to ground this on, so
// this component follows the one pack repo whose domain (framed RPC byte
// streams) actually matches, per SPEC_FULL.md §4.3.
type Decoder struct {
	r          *bufiox.DefaultReader
	maxBodyLen uint32
}

// NewDecoder wraps rd with the given maximum accepted body length.
func NewDecoder(rd io.Reader, maxBodyLen uint32) *Decoder {
	return &Decoder{r: bufiox.NewDefaultReader(rd), maxBodyLen: maxBodyLen}
}

// Next reads and parses one request frame, blocking until a full frame is
// available. It returns io.EOF (or io.ErrUnexpectedEOF translated by the
// underlying reader) when the connection is closed cleanly between frames.
func (d *Decoder) Next() (Request, error) {
	header, err := d.r.Next(HeaderSize)
	if err != nil {
		return Request{}, err
	}

	id := binary.BigEndian.Uint64(header[0:8])
	opcode := Opcode(header[8])
	key := keys.FromBytes(header[9 : 9+keys.Size])
	bodyLen := binary.BigEndian.Uint32(header[9+keys.Size:])

	if opcode != OpRead && opcode != OpWrite {
		return Request{}, fmt.Errorf("%w: 0x%02x", ErrBadOpcode, uint8(opcode))
	}
	if bodyLen > d.maxBodyLen {
		return Request{}, fmt.Errorf("%w: body_len %d exceeds max %d", ErrBadFrame, bodyLen, d.maxBodyLen)
	}

	var body []byte
	if bodyLen > 0 {
		raw, err := d.r.Next(int(bodyLen))
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		body = append([]byte(nil), raw...)
	}

	return Request{ID: id, Opcode: opcode, Key: key, Body: body}, nil
}

// Encoder serializes responses into a single contiguous, pooled buffer.
type Encoder struct{}

// Encode returns an mcache-backed buffer holding resp's wire bytes. Callers
// must call Release on the returned buffer once it has been written to the
// connection.
func (Encoder) Encode(resp Response) []byte {
	buf := mcache.Malloc(ResponseHeaderSize + len(resp.Body))
	binary.BigEndian.PutUint64(buf[0:8], resp.ID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(resp.Body)))
	copy(buf[ResponseHeaderSize:], resp.Body)
	return buf
}

// Release returns a buffer obtained from Encode to the pool.
func Release(buf []byte) {
	mcache.Free(buf)
}
