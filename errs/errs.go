// Package errs classifies failures raised by canscope components.
//
// Every component returns plain Go errors wrapped with %w. Errors that callers
// need to branch on carry a Kind from the closed set below, so a caller can
// tell a rejected configuration from a transport failure without string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes.
type Kind int

const (
	// Internal is an unexpected fault. It is the zero value so that an
	// unclassified error never looks like an expected one.
	Internal Kind = iota
	// Config is a rejected configuration call: duplicate key, bad filter mode,
	// unsupported log format. State is unchanged.
	Config
	// Transport is an open, read or send failure on the bus.
	Transport
	// Codec is a decode or encode failure for one frame or signal.
	Codec
	// Resource is back pressure: a full queue or an exhausted buffer.
	Resource
	// Collision is a frame ID owned by more than one database. Warning level.
	Collision
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Transport:
		return "transport"
	case Codec:
		return "codec"
	case Resource:
		return "resource"
	case Collision:
		return "collision"
	default:
		return "internal"
	}
}

// Error attaches a Kind and the failing component/operation to an error.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Component, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, err error, component, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in the chain,
// or Internal when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified with kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
