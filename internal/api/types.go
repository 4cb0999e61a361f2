package api

import (
	"errors"
	"net/http"

	"github.com/satriahrh/l2dbridge/internal/correlator"
	"github.com/satriahrh/l2dbridge/internal/protocol"
	"github.com/satriahrh/l2dbridge/internal/resource"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// ReleaseResponse answers a DELETE on a resource.
type ReleaseResponse struct {
	RID      string `json:"rid"`
	Released bool   `json:"released"`
}

// UploadResponse answers a completed PUT. The resource stays pending until the
// client commits it over the websocket.
type UploadResponse struct {
	RID      string `json:"rid"`
	Received int64  `json:"received"`
	SHA256   string `json:"sha256,omitempty"`
	Status   string `json:"status"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// errorStatus maps store, correlator and protocol errors to an HTTP status and
// a short error slug.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, resource.ErrTooLarge), errors.Is(err, resource.ErrQuota):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, resource.ErrChecksum), errors.Is(err, resource.ErrSizeMismatch):
		return http.StatusBadRequest, "checksum_mismatch"
	case errors.Is(err, resource.ErrNotPending), errors.Is(err, resource.ErrBusy):
		return http.StatusConflict, "conflict"
	case errors.Is(err, correlator.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, correlator.ErrClosed):
		return http.StatusBadGateway, "disconnected"
	}

	var perr *protocol.Error
	if errors.As(err, &perr) {
		switch perr.Code {
		case protocol.CodeAuthFailed:
			return http.StatusUnauthorized, "unauthorized"
		case protocol.CodeInvalidPayload, protocol.CodeUnsupportedType:
			return http.StatusBadRequest, "invalid_request"
		case protocol.CodeSessionNotExist, protocol.CodeResourceNotFound:
			return http.StatusNotFound, "not_found"
		case protocol.CodePerformFailed:
			return http.StatusBadGateway, "perform_failed"
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

func newErrorResponse(err error) (int, ErrorResponse) {
	status, slug := errorStatus(err)
	resp := ErrorResponse{Error: slug, Message: err.Error()}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		resp.Code = perr.Code
		resp.Message = perr.Message
	}
	return status, resp
}
