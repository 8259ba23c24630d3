package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised while normalizing market data.
type ErrorKind int

const (
	KindUnknownSymbol ErrorKind = iota + 1
	KindMalformedMessage
	KindUnrecognizedChannel
	KindUnrecognizedMessageType
	KindCatalogParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnknownSymbol:
		return "unknown_symbol"
	case KindMalformedMessage:
		return "malformed_message"
	case KindUnrecognizedChannel:
		return "unrecognized_channel"
	case KindUnrecognizedMessageType:
		return "unrecognized_message_type"
	case KindCatalogParse:
		return "catalog_parse_error"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownSymbol           = &Error{Kind: KindUnknownSymbol}
	ErrMalformedMessage        = &Error{Kind: KindMalformedMessage}
	ErrUnrecognizedChannel     = &Error{Kind: KindUnrecognizedChannel}
	ErrUnrecognizedMessageType = &Error{Kind: KindUnrecognizedMessageType}
	ErrCatalogParse            = &Error{Kind: KindCatalogParse}
)

// Error carries the kind of a failure together with where it happened.
// errors.Is matches any *Error of the same kind, so callers can compare
// against the Err* sentinels.
type Error struct {
	Kind     ErrorKind
	Exchange string
	Op       string
	Err      error
}

// NewError wraps err with a kind and context.
func NewError(kind ErrorKind, exchange, op string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind ErrorKind, exchange, op, format string, args ...any) *Error {
	return NewError(kind, exchange, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Exchange != "" {
		msg = e.Exchange + ": " + msg
	}
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind carried by err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
