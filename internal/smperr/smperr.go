// Package smperr defines the error codes the HTTP surfaces speak and the JSON
// envelope every error response is wrapped in.
package smperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class across the loopback and peer surfaces.
type Code string

const (
	CodeMapNotFound              Code = "MAP_NOT_FOUND"
	CodeResourceNotFound         Code = "RESOURCE_NOT_FOUND"
	CodeInvalidMapFile           Code = "INVALID_MAP_FILE"
	CodeMapShareNotFound         Code = "MAP_SHARE_NOT_FOUND"
	CodeDownloadNotFound         Code = "DOWNLOAD_NOT_FOUND"
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeInvalidSenderDeviceID    Code = "INVALID_SENDER_DEVICE_ID"
	CodeForbidden                Code = "FORBIDDEN"
	CodeCancelShareNotCancelable Code = "CANCEL_SHARE_NOT_CANCELABLE"
	CodeDeclineShareNotPending   Code = "DECLINE_SHARE_NOT_PENDING"
	CodeDeclineCannotConnect     Code = "DECLINE_CANNOT_CONNECT"
	CodeDownloadShareNotPending  Code = "DOWNLOAD_SHARE_NOT_PENDING"
	CodeDownloadShareDeclined    Code = "DOWNLOAD_SHARE_DECLINED"
	CodeDownloadShareCanceled    Code = "DOWNLOAD_SHARE_CANCELED"
	CodeDownloadError            Code = "DOWNLOAD_ERROR"
	CodeAbortNotDownloading      Code = "ABORT_NOT_DOWNLOADING"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

var httpStatus = map[Code]int{
	CodeMapNotFound:              http.StatusNotFound,
	CodeResourceNotFound:         http.StatusNotFound,
	CodeInvalidMapFile:           http.StatusBadRequest,
	CodeMapShareNotFound:         http.StatusNotFound,
	CodeDownloadNotFound:         http.StatusNotFound,
	CodeInvalidRequest:           http.StatusBadRequest,
	CodeInvalidSenderDeviceID:    http.StatusBadRequest,
	CodeForbidden:                http.StatusForbidden,
	CodeCancelShareNotCancelable: http.StatusConflict,
	CodeDeclineShareNotPending:   http.StatusConflict,
	CodeDeclineCannotConnect:     http.StatusBadGateway,
	CodeDownloadShareNotPending:  http.StatusConflict,
	CodeDownloadShareDeclined:    http.StatusConflict,
	CodeDownloadShareCanceled:    http.StatusConflict,
	CodeDownloadError:            http.StatusInternalServerError,
	CodeAbortNotDownloading:      http.StatusConflict,
	CodeInternal:                 http.StatusInternalServerError,
}

// HTTPStatus maps a code onto its response status. Unknown codes are treated
// as internal mistakes.
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the structured failure that crosses the HTTP boundary. Extra holds
// additional envelope fields (for example a decline reason).
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message,omitempty"`
	Extra   map[string]any `json:"-"`
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports code equality so callers can match with errors.Is on a bare
// &Error{Code: ...} target.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// From extracts a structured error from err, converting unknown errors into
// an internal one with a generic body.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// envelope is the wire shape: {code, message, ...extra}.
func (e *Error) envelope() map[string]any {
	body := map[string]any{"code": e.Code}
	if e.Message != "" {
		body["message"] = e.Message
	}
	for k, v := range e.Extra {
		body[k] = v
	}
	return body
}

// Write emits the JSON envelope with the code's HTTP status.
func Write(w http.ResponseWriter, err error) {
	e := From(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e.envelope())
}

// Parse rebuilds an Error from a peer's JSON envelope. Bodies that are not an
// envelope come back as a DOWNLOAD_ERROR carrying the raw payload.
func Parse(status int, body []byte) *Error {
	var wire struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &wire); err != nil || wire.Code == "" {
		return Newf(CodeDownloadError, "unexpected peer response (status %d): %s", status, body)
	}
	return &Error{Code: wire.Code, Message: wire.Message}
}
