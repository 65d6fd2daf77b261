package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced at the API boundary. The codes travel in the
// {success:false, error:{code, message}} envelope
const (
	INVALID_INVITATION        = "INVALID_INVITATION"
	INVITATION_NOT_FOR_YOU    = "INVITATION_NOT_FOR_YOU"
	CONNECTION_ALREADY_EXISTS = "CONNECTION_ALREADY_EXISTS"
	CONNECTION_NOT_FOUND      = "CONNECTION_NOT_FOUND"
	CONNECTION_NOT_ACTIVE     = "CONNECTION_NOT_ACTIVE"
	INVALID_STATE_TRANSITION  = "INVALID_STATE_TRANSITION"
	NO_ENDPOINT               = "NO_ENDPOINT"
	MESSAGE_NOT_FOUND         = "MESSAGE_NOT_FOUND"
	MESSAGE_ALREADY_EXISTS    = "MESSAGE_ALREADY_EXISTS"
	INVALID_MESSAGE           = "INVALID_MESSAGE"
	INVALID_MESSAGE_STATE     = "INVALID_MESSAGE_STATE"
	HANDLER_NOT_FOUND         = "HANDLER_NOT_FOUND"
	ROUTING_FAILED            = "ROUTING_FAILED"
	DELIVERY_FAILED           = "DELIVERY_FAILED"
	DELIVERY_TIMEOUT          = "DELIVERY_TIMEOUT"
	DID_RESOLUTION_FAILED     = "DID_RESOLUTION_FAILED"
	PEER_DID_CREATION_FAILED  = "PEER_DID_CREATION_FAILED"
	ENCRYPTION_FAILED         = "ENCRYPTION_FAILED"
	DECRYPTION_FAILED         = "DECRYPTION_FAILED"
	DATABASE_ERROR            = "DATABASE_ERROR"
)

// Error with a stable code. The wrapped error, if any, keeps the cause
type AgentError struct {
	Code    string
	Message string
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// Builds an AgentError with a formatted message
func NewAgentError(code string, format string, args ...any) *AgentError {
	return &AgentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Builds an AgentError wrapping a cause
func WrapAgentError(code string, err error, format string, args ...any) *AgentError {
	return &AgentError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Extracts the error code, or DATABASE_ERROR for plain errors coming from
// the storage layer and unclassified failures
func ErrorCode(err error) string {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return DATABASE_ERROR
}

// Maps error codes to HTTP status codes for the REST boundary
func HTTPStatusForError(err error) int {
	switch ErrorCode(err) {
	case INVALID_INVITATION, INVITATION_NOT_FOR_YOU, CONNECTION_NOT_ACTIVE,
		INVALID_STATE_TRANSITION, NO_ENDPOINT, INVALID_MESSAGE, INVALID_MESSAGE_STATE:
		return http.StatusBadRequest
	case CONNECTION_NOT_FOUND, MESSAGE_NOT_FOUND, HANDLER_NOT_FOUND:
		return http.StatusNotFound
	case CONNECTION_ALREADY_EXISTS, MESSAGE_ALREADY_EXISTS:
		return http.StatusConflict
	case DID_RESOLUTION_FAILED, PEER_DID_CREATION_FAILED, ENCRYPTION_FAILED, DECRYPTION_FAILED:
		return http.StatusBadGateway
	case DELIVERY_FAILED, DELIVERY_TIMEOUT, ROUTING_FAILED:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
