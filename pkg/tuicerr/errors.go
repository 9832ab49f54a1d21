// Package tuicerr classifies protocol failures into the three-way action
// taxonomy of spec.md §7: close the whole connection, close only the
// offending stream, or log and continue.
package tuicerr

import (
	"errors"
	"fmt"

	"github.com/buhuipao/tuic/pkg/tuicproto"
)

// Kind selects what a failure does to the connection that produced it.
type Kind int

const (
	// FatalConnection closes the whole QUIC connection with Code.
	FatalConnection Kind = iota
	// FatalStream closes only the stream or task that produced the error.
	FatalStream
	// Recoverable is logged and the caller continues serving the
	// connection.
	Recoverable
)

func (k Kind) String() string {
	switch k {
	case FatalConnection:
		return "fatal-connection"
	case FatalStream:
		return "fatal-stream"
	case Recoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// Code is a QUIC application-level error code, sent via
// quic.Connection.CloseWithError / quic.Stream.CancelWrite so the peer (and
// logs on both sides) can see why a connection or stream ended.
type Code uint64

// Error codes, one per named failure in spec.md §7.
const (
	CodeNone Code = iota
	CodeDuplicatedAuth
	CodeAuthFailed
	CodeUnsupportedVersion
	CodeUnsupportedCommand
	CodeInvalidEncoding
	CodeOversizedPayload
	CodeExportKeyingMaterialFailed
	CodeUnexpectedPacketSource
	CodeRegistryDrainTimeout
)

// Error pairs a Kind/Code classification with the underlying cause.
type Error struct {
	Kind Kind
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tuicerr: %s (code %d): %v", e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Connection builds a FatalConnection error.
func Connection(code Code, err error) *Error {
	return &Error{Kind: FatalConnection, Code: code, Err: err}
}

// Stream builds a FatalStream error.
func Stream(code Code, err error) *Error {
	return &Error{Kind: FatalStream, Code: code, Err: err}
}

// Recover builds a Recoverable error.
func Recover(err error) *Error {
	return &Error{Kind: Recoverable, Code: CodeNone, Err: err}
}

// ClassifyDecode maps a tuicproto decode error to its action per spec.md
// §7: a bad version is fatal to the connection (the peer isn't speaking
// this protocol at all); a bad command, bad address, or truncated body is
// fatal only to the stream that carried it.
func ClassifyDecode(err error) *Error {
	switch {
	case errors.Is(err, tuicproto.ErrUnsupportedVersion):
		return Connection(CodeUnsupportedVersion, err)
	case errors.Is(err, tuicproto.ErrUnsupportedCommand):
		return Stream(CodeUnsupportedCommand, err)
	case errors.Is(err, tuicproto.ErrInvalidEncoding):
		return Stream(CodeInvalidEncoding, err)
	case errors.Is(err, tuicproto.ErrInvalidAddressType):
		return Stream(CodeInvalidEncoding, err)
	case errors.Is(err, tuicproto.ErrShortBuffer):
		return Stream(CodeInvalidEncoding, err)
	default:
		return Stream(CodeInvalidEncoding, err)
	}
}
