// Package protocol implements the framed TCP wire format: numbered
// requests carrying an opcode, a 16-byte key, and a body; numbered
// responses carrying just a body. See SPEC_FULL.md §4.3.
package protocol

import (
	"errors"
	"fmt"

	"github.com/behrlich/protostore/internal/keys"
)

// Opcode identifies the requested operation.
type Opcode uint8

const (
	OpRead  Opcode = 0x01
	OpWrite Opcode = 0x02
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// HeaderSize is the fixed portion of a request frame preceding its body:
// id(8) + opcode(1) + key(16) + body_len(4).
const HeaderSize = 8 + 1 + keys.Size + 4

// ResponseHeaderSize is the fixed portion of a response frame: id(8) +
// body_len(4).
const ResponseHeaderSize = 8 + 4

// Request is one decoded client frame.
type Request struct {
	ID     uint64
	Opcode Opcode
	Key    keys.Key
	Body   []byte
}

// Response is one frame to send back to the client.
type Response struct {
	ID   uint64
	Body []byte
}

// ErrBadFrame is returned for a frame whose body_len exceeds the
// configured maximum or is otherwise structurally invalid.
var ErrBadFrame = errors.New("protocol: bad frame")

// ErrBadOpcode is returned when a request's opcode byte isn't recognized.
var ErrBadOpcode = errors.New("protocol: bad opcode")
