package irc

import (
	"errors"
	"fmt"
)

// Wire-level failures. Both are wrapped in a *ProtocolError by the codec.
var (
	ErrFrameTooLong     = errors.New("frame too long")
	ErrMalformedMessage = errors.New("malformed message")
)

// ErrClassFull is matched by every *ClassFullError via errors.Is.
var ErrClassFull = errors.New("connection class full")

// ProtocolError is fatal to the connection that produced it.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	if e.Reason == "" {
		return "protocol error: " + e.Err.Error()
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocolf builds a *ProtocolError with a formatted reason.
func Protocolf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// CollisionKind names the entity that collided.
type CollisionKind string

const (
	CollisionNick    CollisionKind = "nick"
	CollisionSID     CollisionKind = "sid"
	CollisionChannel CollisionKind = "channel"
)

// CollisionError reports a TS conflict and its deterministic outcome. Only SID
// collisions are fatal to the link.
type CollisionError struct {
	Kind   CollisionKind
	Key    string
	Winner string
	Loser  string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("%s collision on %s: %s wins over %s", e.Kind, e.Key, e.Winner, e.Loser)
}

// Fatal reports whether the collision must tear the link down.
func (e *CollisionError) Fatal() bool { return e.Kind == CollisionSID }

// AccessDenied is returned when a line rejects a connection. Reason is shown
// to the peer in the closing ERROR.
type AccessDenied struct {
	Kind   string
	Reason string
}

func (e *AccessDenied) Error() string { return e.Reason }

// ClassFullError is returned by the class manager when admission would exceed
// a limit.
type ClassFullError struct {
	Class string
	Max   int
}

func (e *ClassFullError) Error() string {
	return fmt.Sprintf("connection class %q full (%d)", e.Class, e.Max)
}

func (e *ClassFullError) Is(target error) bool { return target == ErrClassFull }

// RegistryInconsistency marks an invariant violation inside the state registry.
type RegistryInconsistency struct {
	Entity string
	Detail string
}

func (e *RegistryInconsistency) Error() string {
	return fmt.Sprintf("registry inconsistency on %s: %s", e.Entity, e.Detail)
}

// IsFatal reports whether err must close the connection it occurred on. A
// lone malformed message is left to the caller.
func IsFatal(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return !errors.Is(err, ErrMalformedMessage)
	}
	var ce *CollisionError
	if errors.As(err, &ce) {
		return ce.Fatal()
	}
	var ad *AccessDenied
	return errors.As(err, &ad)
}
