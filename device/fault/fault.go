// Package fault classifies device errors.
//
// Soft faults (server unreachable, socket failures, malformed server
// messages) are retried automatically and shown to the user as a priority
// notification. Hard faults (display or bus I/O) are logged and left for
// manual intervention.
package fault

import (
	"errors"
	"fmt"

	"github.com/kabili207/rpi-messages-go/core/protocol"
)

// Class is the retry policy of a fault.
type Class int

const (
	Soft Class = iota
	Hard
)

func (c Class) String() string {
	switch c {
	case Soft:
		return "soft"
	case Hard:
		return "hard"
	default:
		return "unknown"
	}
}

// Kind says what failed.
type Kind int

const (
	KindServerConnect Kind = iota
	KindSocket
	KindServerMessage
	KindDisplay
)

func (k Kind) String() string {
	switch k {
	case KindServerConnect:
		return "server-connect"
	case KindSocket:
		return "socket"
	case KindServerMessage:
		return "server-message"
	case KindDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// Class returns the retry policy for the kind.
func (k Kind) Class() Class {
	if k == KindDisplay {
		return Hard
	}
	return Soft
}

// Error is a classified device error.
type Error struct {
	Kind Kind
	Err  error
}

// New wraps err as a fault of the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Class returns the retry policy for the fault.
func (e *Error) Class() Class { return e.Kind.Class() }

// ClassOf returns the class of err. Errors that carry no fault are soft.
func ClassOf(err error) Class {
	var f *Error
	if errors.As(err, &f) {
		return f.Class()
	}
	return Soft
}

// StatusText returns the message shown on the panel for err. The result
// always fits a text slot.
func StatusText(err error) string {
	var f *Error
	if !errors.As(err, &f) {
		return protocol.TruncateText("Error: " + err.Error())
	}

	var s string
	switch f.Kind {
	case KindServerConnect:
		s = fmt.Sprintf("Can't connect to server: %v", f.Err)
	case KindSocket:
		s = "Network error, retrying."
	case KindServerMessage:
		s = "Malformed message from server."
	case KindDisplay:
		s = "Internal display error."
	default:
		s = f.Error()
	}
	return protocol.TruncateText(s)
}
