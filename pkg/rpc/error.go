package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Keys under which error responses carry their message and code.
const (
	errorMessageKey = "error"
	errorCodeKey    = "code"
)

// Code identifies a protocol failure class. The -327xx range follows
// JSON-RPC conventions; the -320xx range is broker-specific.
type Code int

const (
	CodeParseError     Code = -32700
	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternal       Code = -32603

	CodeAuthFailed             Code = -32000
	CodeInvalidSignature       Code = -32003
	CodeInvalidTimestamp       Code = -32004
	CodeInvalidRequestID       Code = -32005
	CodeInsufficientSignatures Code = -32006
	CodeInsufficientFunds      Code = -32007
	CodeAccountNotFound        Code = -32008
	CodeApplicationNotFound    Code = -32009
	CodeInvalidIntent          Code = -32010
	CodeChallengeExpired       Code = -32011
	CodeInvalidChallenge       Code = -32012
)

// String returns the short label used in logs for the code.
func (c Code) String() string {
	switch c {
	case CodeParseError:
		return "parse_error"
	case CodeInvalidRequest:
		return "invalid_request"
	case CodeMethodNotFound:
		return "method_not_found"
	case CodeInvalidParams:
		return "invalid_params"
	case CodeInternal:
		return "internal"
	case CodeAuthFailed:
		return "auth_failed"
	case CodeInvalidSignature:
		return "invalid_signature"
	case CodeInvalidTimestamp:
		return "invalid_timestamp"
	case CodeInvalidRequestID:
		return "invalid_request_id"
	case CodeInsufficientSignatures:
		return "insufficient_signatures"
	case CodeInsufficientFunds:
		return "insufficient_funds"
	case CodeAccountNotFound:
		return "account_not_found"
	case CodeApplicationNotFound:
		return "application_not_found"
	case CodeInvalidIntent:
		return "invalid_intent"
	case CodeChallengeExpired:
		return "challenge_expired"
	case CodeInvalidChallenge:
		return "invalid_challenge"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a failure whose message is safe to send to the caller verbatim.
// Handlers return it (directly or wrapped) when they want the client to see
// exactly what went wrong; any other error type is replaced by a fallback
// message before it reaches the wire.
type Error struct {
	Code    Code
	Message string
}

// NewError builds an Error with the given code and message.
func NewError(code Code, message string) Error {
	return Error{Code: code, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) Error {
	return Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e Error) Error() string {
	return e.Message
}

// NewErrorParams encodes an error into response params as
// {"error": message, "code": code}.
func NewErrorParams(rpcErr Error) Params {
	msgRaw, _ := json.Marshal(rpcErr.Message)
	codeRaw, _ := json.Marshal(int(rpcErr.Code))
	return Params{
		errorMessageKey: msgRaw,
		errorCodeKey:    codeRaw,
	}
}

// AsError extracts an Error from err if one is present in its chain.
func AsError(err error) (Error, bool) {
	var rpcErr Error
	ok := errors.As(err, &rpcErr)
	return rpcErr, ok
}

// Dialer sentinels, matched with errors.Is.
var (
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected to server")
	ErrConnectionTimeout = errors.New("websocket connection timeout")
	ErrReadingMessage    = errors.New("error reading message")

	ErrNilRequest           = errors.New("nil request")
	ErrInvalidRequestMethod = errors.New("invalid request method")
	ErrMarshalingRequest    = errors.New("error marshaling request")
	ErrSendingRequest       = errors.New("error sending request")
	ErrNoResponse           = errors.New("no response received")
	ErrSendingPing          = errors.New("error sending ping")

	ErrDialingWebsocket = errors.New("error dialing websocket server")
)
