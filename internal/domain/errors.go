package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrLockHeld     = errors.New("lock held by another holder")

	// Parse errors: the frame is dropped and the stream continues.
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnknownToken      = errors.New("unknown interval token")
	ErrUnrecognizedEvent = errors.New("unrecognized event type")

	// Protocol errors: propagated to the caller, which owns retry policy.
	ErrConnect   = errors.New("connect failed")
	ErrSubscribe = errors.New("subscribe failed")

	// Consistency warnings: counted and logged, never fatal.
	ErrGap             = errors.New("gap in closed candles")
	ErrDuplicateCandle = errors.New("duplicate or out-of-order closed candle")

	ErrStorage           = errors.New("storage failure")
	ErrContractViolation = errors.New("contract violation")
	ErrSnapshotPoisoned  = errors.New("snapshot poisoned")
	ErrNoOrder           = errors.New("no order set")
)

// MalformedFrameError names the field that was missing or had the wrong shape.
type MalformedFrameError struct {
	Field  string
	Reason string
}

func (e *MalformedFrameError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("malformed frame: field %q", e.Field)
	}
	return fmt.Sprintf("malformed frame: field %q: %s", e.Field, e.Reason)
}

func (e *MalformedFrameError) Unwrap() error { return ErrMalformedFrame }

// UnknownTokenError carries the interval token that has no catalog entry.
type UnknownTokenError struct {
	Token string
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown interval token %q", e.Token)
}

func (e *UnknownTokenError) Unwrap() error { return ErrUnknownToken }

// UnrecognizedEventError carries the discriminator value that was not handled.
type UnrecognizedEventError struct {
	EventType string
}

func (e *UnrecognizedEventError) Error() string {
	return fmt.Sprintf("unrecognized event type %q", e.EventType)
}

func (e *UnrecognizedEventError) Unwrap() error { return ErrUnrecognizedEvent }

// IsParseError reports whether err belongs to the recoverable parse class.
func IsParseError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnknownToken) ||
		errors.Is(err, ErrUnrecognizedEvent)
}

// IsProtocolError reports whether err is a handshake or subscribe failure.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrSubscribe)
}
