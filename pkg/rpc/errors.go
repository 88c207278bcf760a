package rpc

import (
	"errors"
	"fmt"
)

// ErrSource classifies every failure talking to the chain provider: transport
// errors, provider throttling, JSON-RPC errors and malformed responses.
var ErrSource = errors.New("log source error")

// ErrUnknownEvent is returned when the requested event is not part of the contract ABI.
var ErrUnknownEvent = errors.New("event not found in contract ABI")

// Error wraps a failed JSON-RPC call. errors.Is(err, ErrSource) always holds and
// the cause stays reachable, so context cancellation can still be told apart.
type Error struct {
	Method string
	Err    error
}

func newError(method string, err error) *Error {
	return &Error{Method: method, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrSource }

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// throttled reports provider-side limit errors that should count against the breaker.
func (e *RPCError) throttled() bool {
	// -32005 limit exceeded (EIP-1474), -32603 internal error on most providers.
	return e.Code == -32005 || e.Code == -32603
}
