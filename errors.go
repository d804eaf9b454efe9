package protostore

import "github.com/behrlich/protostore/internal/errs"

// Error, ErrorCode, and the code taxonomy live in internal/errs so
// internal/aio and internal/conn can construct the same error shapes at
// the point a failure actually happens, without an import cycle back
// through internal/dispatch (which imports both of them). These are
// aliases, not copies: callers outside this module still only ever
// import protostore.
type Error = errs.Error
type ErrorCode = errs.ErrorCode

const (
	ErrMalformedIndex = errs.ErrMalformedIndex
	ErrDataOpenError  = errs.ErrDataOpenError
	ErrBindError      = errs.ErrBindError
	ErrAioSetupError  = errs.ErrAioSetupError
	ErrAioSubmitError = errs.ErrAioSubmitError
	ErrAioPerOpError  = errs.ErrAioPerOpError
	ErrBadFrame       = errs.ErrBadFrame
	ErrBadOpcode      = errs.ErrBadOpcode
	ErrConnectionIO   = errs.ErrConnectionIO
	ErrQueueFull      = errs.ErrQueueFull
)

// NewError builds a structured Error with no wrapped cause.
func NewError(op string, code ErrorCode, msg string) *Error {
	return errs.New(op, code, msg)
}

// WrapError wraps inner under op. See errs.Wrap for how the code is
// chosen when inner is already a *Error or a syscall.Errno.
func WrapError(op string, code ErrorCode, inner error) *Error {
	return errs.Wrap(op, code, inner)
}

// IsCode reports whether err is (or wraps) a *Error with the given Code.
func IsCode(err error, code ErrorCode) bool {
	return errs.IsCode(err, code)
}
