package protocol

import (
	"errors"
	"fmt"
)

// Protocol, auth and capacity errors.
const (
	CodeAuthFailed       = 4001
	CodeVersionMismatch  = 4002
	CodeInvalidPayload   = 4003
	CodeConnectionFull   = 4004
	CodeSessionNotExist  = 4005
	CodeResourceNotFound = 4006
)

// Execution errors.
const (
	CodeTTSFailed       = 5001
	CodeSTTFailed       = 5002
	CodePerformFailed   = 5003
	CodeUnsupportedType = 5004
	CodeUploadFailed    = 5005
	CodeResourceIO      = 5006
)

// Error is the error body carried by packets. It doubles as a Go error so
// components can return it directly and the hub can report it to the peer.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("l2d error %d: %s", e.Code, e.Message)
}

// Is matches protocol errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Fatal reports whether the error ends the connection when raised during the
// handshake.
func (e *Error) Fatal() bool {
	return e.Code == CodeAuthFailed || e.Code == CodeVersionMismatch
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrAuthFailed       = NewError(CodeAuthFailed, "authentication failed")
	ErrVersionMismatch  = NewError(CodeVersionMismatch, "protocol version mismatch")
	ErrInvalidPayload   = NewError(CodeInvalidPayload, "invalid payload")
	ErrConnectionFull   = NewError(CodeConnectionFull, "connection full")
	ErrSessionNotExist  = NewError(CodeSessionNotExist, "session does not exist")
	ErrResourceNotFound = NewError(CodeResourceNotFound, "resource not found")
	ErrUnsupportedType  = NewError(CodeUnsupportedType, "unsupported type")
	ErrUploadFailed     = NewError(CodeUploadFailed, "upload failed")
	ErrResourceIO       = NewError(CodeResourceIO, "resource io error")
)

// AsError extracts the protocol error from err. Errors that carry no code are
// reported with fallback.
func AsError(err error, fallback int) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	var derr *DecodeError
	if errors.As(err, &derr) {
		return NewError(CodeInvalidPayload, derr.Reason)
	}
	return NewError(fallback, err.Error())
}
