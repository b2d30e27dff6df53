package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures.
type ErrorKind string

const (
	KindConnection       ErrorKind = "CONNECTION"
	KindNotConnected     ErrorKind = "NOT_CONNECTED"
	KindOrder            ErrorKind = "ORDER"
	KindMarketData       ErrorKind = "MARKET_DATA"
	KindProtocol         ErrorKind = "PROTOCOL"
	KindInvalidParameter ErrorKind = "INVALID_PARAMETER"
	KindUnknownTool      ErrorKind = "UNKNOWN_TOOL"
	KindTimeout          ErrorKind = "TIMEOUT"
	KindConfig           ErrorKind = "CONFIG"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrConnection       = &Error{Kind: KindConnection}
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrOrder            = &Error{Kind: KindOrder}
	ErrMarketData       = &Error{Kind: KindMarketData}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrInvalidParameter = &Error{Kind: KindInvalidParameter}
	ErrUnknownTool      = &Error{Kind: KindUnknownTool}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrConfig           = &Error{Kind: KindConfig}
)

// Error is the typed error carried between the session, the tool registry
// and the dispatcher.
type Error struct {
	Kind    ErrorKind
	Message string
	// Field names the offending parameter for KindInvalidParameter.
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := e.prefix()
	if e.Message != "" {
		if msg != "" {
			msg += ": "
		}
		msg += e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) prefix() string {
	switch e.Kind {
	case KindConnection:
		return "IBKR connection error"
	case KindNotConnected:
		return "Not connected to IBKR"
	case KindOrder:
		return "IBKR order error"
	case KindMarketData:
		return "Market data error"
	case KindProtocol:
		return "MCP protocol error"
	case KindInvalidParameter:
		return "Invalid parameter"
	case KindUnknownTool:
		return "Unknown tool"
	case KindTimeout:
		return "Timeout error"
	case KindConfig:
		return "Configuration error"
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error of the given kind around err.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewInvalidParameter reports a bad tool argument.
func NewInvalidParameter(field, msg string) *Error {
	return &Error{Kind: KindInvalidParameter, Field: field, Message: msg}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// FieldOf returns the parameter name carried by an InvalidParameter error.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
