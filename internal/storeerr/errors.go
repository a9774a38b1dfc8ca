// Package storeerr defines the tagged error kinds shared by the collection
// store, data store, wire protocol, and server/client layers.
package storeerr

import "fmt"

// Code identifies the kind of failure carried by an Error.
type Code int

const (
	// Unknown is the zero value; GetCode returns it for an error that is
	// not a *Error.
	Unknown Code = iota

	// NotOpen and AlreadyOpen are lifecycle misuse on the data store.
	NotOpen
	AlreadyOpen

	// AlreadyExists, NotFound, VersionExists and VersionNotNewer are
	// catalog errors.
	AlreadyExists
	NotFound
	VersionExists
	VersionNotNewer

	// ItemTooLarge is returned when an item's data exceeds a segment's
	// capacity.
	ItemTooLarge

	// InvalidRequest marks a malformed or incomplete request.
	InvalidRequest

	// FrameTooLarge and MalformedFrame are protocol corruption; the
	// connection carrying them is closed.
	FrameTooLarge
	MalformedFrame

	// IoError wraps a filesystem or socket error.
	IoError

	// RemoteUnavailable is a pool-level error: no connected replica could
	// serve the request.
	RemoteUnavailable
)

var codeNames = map[Code]string{
	Unknown:           "unknown",
	NotOpen:           "not_open",
	AlreadyOpen:       "already_open",
	AlreadyExists:     "already_exists",
	NotFound:          "not_found",
	VersionExists:     "version_exists",
	VersionNotNewer:   "version_not_newer",
	ItemTooLarge:      "item_too_large",
	InvalidRequest:    "invalid_request",
	FrameTooLarge:     "frame_too_large",
	MalformedFrame:    "malformed_frame",
	IoError:           "io_error",
	RemoteUnavailable: "remote_unavailable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// Error is a structured error carrying a Code plus a human-readable message
// and, optionally, an underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error with the given code, message, and cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is a *Error carrying the given code.
func Is(err error, code Code) bool {
	se, ok := err.(*Error)
	return ok && se.Code == code
}

// GetCode extracts the Code from err, returning Unknown if err is not a
// *Error.
func GetCode(err error) Code {
	if se, ok := err.(*Error); ok {
		return se.Code
	}
	return Unknown
}

// Convenience constructors for the errors this system distinguishes.

func ErrNotOpen() *Error { return New(NotOpen, "data store is not open") }

func ErrAlreadyOpen() *Error { return New(AlreadyOpen, "data store is already open") }

func ErrAlreadyExists(collection string) *Error {
	return New(AlreadyExists, fmt.Sprintf("collection %q already exists", collection))
}

func ErrNotFound(collection string) *Error {
	return New(NotFound, fmt.Sprintf("collection %q not found", collection))
}

func ErrVersionExists(collection, version string) *Error {
	return New(VersionExists, fmt.Sprintf("version %q of collection %q already exists", version, collection))
}

func ErrVersionNotNewer(collection, version, lastVersion string) *Error {
	return New(VersionNotNewer, fmt.Sprintf("version %q is not newer than current version %q of collection %q", version, lastVersion, collection))
}

func ErrItemTooLarge(size, capacity int) *Error {
	return New(ItemTooLarge, fmt.Sprintf("item of %d bytes exceeds segment capacity of %d bytes", size, capacity))
}

func ErrInvalidRequest(reason string) *Error {
	return New(InvalidRequest, reason)
}

func ErrFrameTooLarge(size, max int) *Error {
	return New(FrameTooLarge, fmt.Sprintf("frame payload of %d bytes exceeds maximum of %d bytes", size, max))
}

func ErrMalformedFrame(reason string) *Error {
	return New(MalformedFrame, reason)
}

func ErrIo(message string, cause error) *Error {
	return Wrap(IoError, message, cause)
}

func ErrRemoteUnavailable(reason string) *Error {
	return New(RemoteUnavailable, reason)
}
