package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned inside the package. None of these escape the
// Client's public operations, which degrade to empty results instead.
var (
	// ErrNoServer indicates no server is configured for the language.
	ErrNoServer = errors.New("no server configured for language")

	// ErrUnavailable indicates the language's binary is missing and the
	// language has been permanently skipped for this process lifetime.
	ErrUnavailable = errors.New("language server binary unavailable")

	// ErrServerNotReady indicates the server is not ready to handle requests.
	ErrServerNotReady = errors.New("server not ready")

	// ErrShutdown indicates the connection has been shut down.
	ErrShutdown = errors.New("connection shut down")

	// ErrDocumentNotOpen indicates the document is not tracked.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrInvalidResponse indicates a malformed response from the server.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// RPCError represents a JSON-RPC error object from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC and LSP error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// ServerError wraps an error with the language it occurred for.
type ServerError struct {
	LanguageID string
	Err        error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %v", e.LanguageID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Err
}
