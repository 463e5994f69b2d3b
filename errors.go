package libquassel

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed     = errors.New("quassel: session is closed")
	ErrSessionStarted    = errors.New("quassel: session already started")
	ErrReconnectRequired = errors.New("quassel: heartbeat timed out, reconnect required")
	ErrHandshakeRejected = errors.New("quassel: core rejected the client")
	ErrLoginRejected     = errors.New("quassel: core rejected the login")
	ErrCoreNotConfigured = errors.New("quassel: core is not configured")
	ErrBadHandshake      = errors.New("quassel: bad handshake message")
	ErrObjectExists      = errors.New("quassel: object already registered")
	ErrClassConflict     = errors.New("quassel: class name bound to another method table")
	ErrProtocolViolation = errors.New("quassel: protocol violation")
)

// Violation reasons, also used as metric labels.
const (
	ReasonMessage   = "message"
	ReasonType      = "type"
	ReasonClass     = "class"
	ReasonObject    = "object"
	ReasonSlot      = "slot"
	ReasonArguments = "arguments"
	ReasonInit      = "init"
	ReasonRPC       = "rpc"
)

// ProtocolViolation is a malformed or unexpected message that does not
// end the connection.
type ProtocolViolation struct {
	Reason string
	Detail string
	Err    error
}

func violation(reason string, err error, format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{Reason: reason, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (v *ProtocolViolation) Error() string {
	if v.Err != nil {
		return fmt.Sprintf("quassel: protocol violation (%s): %s: %v", v.Reason, v.Detail, v.Err)
	}
	return fmt.Sprintf("quassel: protocol violation (%s): %s", v.Reason, v.Detail)
}

func (v *ProtocolViolation) Is(target error) bool {
	return target == ErrProtocolViolation
}

func (v *ProtocolViolation) Unwrap() error {
	return v.Err
}

// RejectedError carries the reason text the core sent with a rejection.
type RejectedError struct {
	Kind   error
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Kind
}
