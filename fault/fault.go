package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the failure domain of an error.
type Kind string

const (
	KindProtocol  Kind = "protocol"
	KindCrypto    Kind = "crypto"
	KindResource  Kind = "resource"
	KindPolicy    Kind = "policy"
	KindTransport Kind = "transport"
	KindStore     Kind = "store"
)

// Code is a stable, programmatic error identifier. Codes are carried verbatim
// in ERROR envelopes on the wire.
type Code string

const (
	CodeMaxConnections       Code = "MAX_CONNECTIONS"
	CodeNotAuthenticated     Code = "NOT_AUTHENTICATED"
	CodeAlreadyAuthenticated Code = "ALREADY_AUTHENTICATED"
	CodeInvalidMessage       Code = "INVALID_MESSAGE"
	CodeHandshakeFailed      Code = "HANDSHAKE_FAILED"
	CodeNoSessionKey         Code = "NO_SESSION_KEY"
	CodeInvalidSignature     Code = "INVALID_SIGNATURE"
	CodeMessageFailed        Code = "MESSAGE_FAILED"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeUnsupported          Code = "UNSUPPORTED"
	CodeSlowConsumer         Code = "SLOW_CONSUMER"
	CodeReadTimeout          Code = "READ_TIMEOUT"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Kind Kind
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(kind Kind, code Code, err error) error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func New(kind Kind, code Code) error {
	return &Error{Kind: kind, Code: code}
}

// CodeOf extracts the wire code carried by err. Errors without a structured
// code map to MESSAGE_FAILED, the catch-all processing code.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return CodeMessageFailed
}

// Message returns the description to carry in a wire ERROR payload: the
// wrapped cause when there is one, without the kind/code prefix.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Err != nil {
			return fe.Err.Error()
		}
		return string(fe.Code)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
