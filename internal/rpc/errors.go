// Package rpc defines the JSON-RPC error envelope the IDE client consumes.
// RPC requests never get bare HTTP error statuses; failures travel as a
// structured error object so the client can branch on the code.
package rpc

import (
	"encoding/json"
	"net/http"
)

// ErrorCode identifies a class of RPC failure to the client.
type ErrorCode int

const (
	CodeSuccess ErrorCode = iota
	CodeConnectionError
	CodeUnavailable
	CodeUnauthorized
	CodeTransmissionError
	CodeInvalidSession
)

// String returns the client-facing name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeSuccess:
		return "Success"
	case CodeConnectionError:
		return "ConnectionError"
	case CodeUnavailable:
		return "Unavailable"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeTransmissionError:
		return "TransmissionError"
	case CodeInvalidSession:
		return "InvalidSession"
	default:
		return "Unknown"
	}
}

// Error is the wire error object.
type Error struct {
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Response is the envelope for RPC results and errors.
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

// NewError creates a wire error with the code's standard message unless a
// more specific one is supplied.
func NewError(code ErrorCode, message string) *Error {
	if message == "" {
		message = code.String()
	}
	return &Error{Code: code, Message: message}
}

// InvalidSessionError builds the InvalidSession error carrying the scope
// diagnostics the client uses to explain why the session cannot start.
func InvalidSessionError(scopePath, scopeState, project, id string) *Error {
	return &Error{
		Code:    CodeInvalidSession,
		Message: "InvalidSession",
		Properties: map[string]string{
			"scope_path":  scopePath,
			"scope_state": scopeState,
			"project":     project,
			"id":          id,
		},
	}
}

// WriteError sends the error as a JSON-RPC response body with status 200.
// The transport succeeded; only the operation failed.
func WriteError(w http.ResponseWriter, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{Error: e})
}

// WriteResult sends a successful RPC result.
func WriteResult(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{Result: result})
}
