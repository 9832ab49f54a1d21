package tuicproto

import "errors"

// Decode errors. These are returned by DecodeAddress and Decode; callers in
// pkg/tuicerr classify them into the fatal-connection / fatal-stream /
// recoverable taxonomy of spec.md §7.
var (
	ErrShortBuffer        = errors.New("tuicproto: buffer too short")
	ErrInvalidAddressType = errors.New("tuicproto: invalid address type")
	ErrInvalidEncoding    = errors.New("tuicproto: invalid utf-8 domain encoding")
	ErrUnsupportedVersion = errors.New("tuicproto: unsupported protocol version")
	ErrUnsupportedCommand = errors.New("tuicproto: unsupported command type")
)
