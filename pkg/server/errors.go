// Package server implements the Transpo HTTP surface: the multipart
// and WebSocket upload sessions, the download session, and the
// background cleanup worker that reaps expired uploads.
package server

import (
	"fmt"
	"net/http"
)

// ErrorCode is the single-byte error code an upload session reports on
// the wire (as a binary frame over WebSocket) and maps to an HTTP
// status over plain HTTP.
type ErrorCode byte

const (
	CodeOther     ErrorCode = 0
	CodeFileSize  ErrorCode = 1
	CodeQuota     ErrorCode = 2
	CodeStorage   ErrorCode = 3
	CodeProtocol  ErrorCode = 4
	CodeCancelled ErrorCode = 5
)

// String names the code for logs.
func (c ErrorCode) String() string {
	switch c {
	case CodeFileSize:
		return "file-size"
	case CodeQuota:
		return "quota"
	case CodeStorage:
		return "storage"
	case CodeProtocol:
		return "protocol"
	case CodeCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

// HTTPStatus maps the code onto a response status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeFileSize, CodeProtocol:
		return http.StatusBadRequest
	case CodeQuota:
		return http.StatusTooManyRequests
	case CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UploadError is a terminal session error carrying its wire code.
type UploadError struct {
	Code  ErrorCode
	cause error
}

func uploadErr(code ErrorCode, cause error) *UploadError {
	return &UploadError{Code: code, cause: cause}
}

func uploadErrf(code ErrorCode, format string, args ...interface{}) *UploadError {
	return &UploadError{Code: code, cause: fmt.Errorf(format, args...)}
}

func (e *UploadError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("upload failed (%s): %v", e.Code, e.cause)
	}
	return fmt.Sprintf("upload failed (%s)", e.Code)
}

func (e *UploadError) Unwrap() error {
	return e.cause
}
