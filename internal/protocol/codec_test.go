package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/protostore/internal/keys"
)

func encodeRequest(id uint64, op Opcode, key keys.Key, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint64(buf[0:8], id)
	buf[8] = byte(op)
	copy(buf[9:9+keys.Size], key[:])
	binary.BigEndian.PutUint32(buf[9+keys.Size:], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

func TestDecodeReadRequest(t *testing.T) {
	key := keys.FromBytes(bytes.Repeat([]byte{0x07}, keys.Size))
	wire := encodeRequest(42, OpRead, key, nil)

	dec := NewDecoder(bytes.NewReader(wire), 1<<20)
	req, err := dec.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 42, req.ID)
	assert.Equal(t, OpRead, req.Opcode)
	assert.Equal(t, key, req.Key)
	assert.Empty(t, req.Body)
}

func TestDecodeWriteRequestWithBody(t *testing.T) {
	key := keys.FromBytes(bytes.Repeat([]byte{0x09}, keys.Size))
	body := []byte("payload")
	wire := encodeRequest(7, OpWrite, key, body)

	dec := NewDecoder(bytes.NewReader(wire), 1<<20)
	req, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, body, req.Body)
}

func TestDecodeTwoFramesSequentially(t *testing.T) {
	key := keys.Key{}
	var wire bytes.Buffer
	wire.Write(encodeRequest(1, OpRead, key, nil))
	wire.Write(encodeRequest(2, OpWrite, key, []byte("x")))

	dec := NewDecoder(&wire, 1<<20)
	first, err := dec.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.ID)

	second, err := dec.Next()
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.ID)
	assert.Equal(t, []byte("x"), second.Body)
}

func TestDecodeRejectsBadOpcode(t *testing.T) {
	wire := encodeRequest(1, Opcode(0xEE), keys.Key{}, nil)
	dec := NewDecoder(bytes.NewReader(wire), 1<<20)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrBadOpcode)
}

func TestDecodeRejectsOversizeBody(t *testing.T) {
	wire := encodeRequest(1, OpWrite, keys.Key{}, []byte("toolong"))
	dec := NewDecoder(bytes.NewReader(wire), 3)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrBadFrame)
}

func TestDecodeEOFBetweenFrames(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil), 1<<20)
	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestEncodeRoundTrip(t *testing.T) {
	enc := Encoder{}
	wire := enc.Encode(Response{ID: 99, Body: []byte("value")})
	defer Release(wire)

	assert.EqualValues(t, 99, binary.BigEndian.Uint64(wire[0:8]))
	assert.EqualValues(t, 5, binary.BigEndian.Uint32(wire[8:12]))
	assert.Equal(t, "value", string(wire[ResponseHeaderSize:]))
}
