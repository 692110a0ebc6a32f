package errors

import (
	"errors"
	"fmt"
)

// RPCError is the JSON-RPC error object surfaced to page scripts.
// It carries nothing beyond {code, message, data?}.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Is reports whether target is an RPCError with the same code, so that
// errors.Is(err, ErrDisconnected) matches any disconnect regardless of message.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// JSON-RPC 2.0 and EIP-1193/EIP-1474 error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeLimitExceeded  = -32005

	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901

	// Codes carried by the legacy disconnect/close events.
	CodeCloseRecoverable = 1013
	CodeClosePermanent   = 1011
)

// Predefined errors, mostly useful as errors.Is targets
var (
	ErrInvalidRequest = &RPCError{
		Code:    CodeInvalidRequest,
		Message: "Invalid request",
	}

	ErrMethodNotFound = &RPCError{
		Code:    CodeMethodNotFound,
		Message: "The method does not exist / is not available",
	}

	ErrInternal = &RPCError{
		Code:    CodeInternal,
		Message: "Internal JSON-RPC error",
	}

	ErrLimitExceeded = &RPCError{
		Code:    CodeLimitExceeded,
		Message: "Request exceeds defined limit",
	}

	ErrUserRejected = &RPCError{
		Code:    CodeUserRejected,
		Message: "User rejected the request",
	}

	ErrDisconnected = &RPCError{
		Code:    CodeDisconnected,
		Message: "The provider is disconnected from all chains",
	}
)

// New creates a new RPCError
func New(code int, message string) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
	}
}

// NewWithData creates a new RPCError with additional data
func NewWithData(code int, message string, data any) *RPCError {
	return &RPCError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// InvalidRequest creates an invalid request error
func InvalidRequest(message string, data any) *RPCError {
	if message == "" {
		message = ErrInvalidRequest.Message
	}
	return NewWithData(CodeInvalidRequest, message, data)
}

// InvalidParams creates an invalid params error
func InvalidParams(message string) *RPCError {
	return New(CodeInvalidParams, message)
}

// MethodNotFound creates a method not found error naming the method
func MethodNotFound(method string) *RPCError {
	return NewWithData(CodeMethodNotFound, ErrMethodNotFound.Message, map[string]string{"method": method})
}

// Internal creates an internal error
func Internal(message string) *RPCError {
	if message == "" {
		message = ErrInternal.Message
	}
	return New(CodeInternal, message)
}

// LimitExceeded creates a rate limit error
func LimitExceeded(message string) *RPCError {
	if message == "" {
		message = ErrLimitExceeded.Message
	}
	return New(CodeLimitExceeded, message)
}

// UserRejected creates a user rejected request error
func UserRejected(message string) *RPCError {
	if message == "" {
		message = ErrUserRejected.Message
	}
	return New(CodeUserRejected, message)
}

// Disconnected creates a provider disconnected error
func Disconnected(message string) *RPCError {
	if message == "" {
		message = ErrDisconnected.Message
	}
	return New(CodeDisconnected, message)
}

// IsRPCError checks if an error is an RPCError
func IsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// FromError converts any error into an RPCError. RPCErrors pass through
// untouched, everything else becomes an internal error carrying the message.
func FromError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if rpcErr, ok := IsRPCError(err); ok {
		return rpcErr
	}
	return Internal(err.Error())
}
