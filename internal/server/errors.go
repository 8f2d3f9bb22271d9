package server

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/pedromerinno/mnnoschool/internal/errors"
	"github.com/pedromerinno/mnnoschool/internal/tenantctx"
	"go.uber.org/zap"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	ErrorCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrorCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrorCodeTenantNotFound   ErrorCode = "TENANT_NOT_FOUND"
	ErrorCodeServiceDown      ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeInternalError    ErrorCode = "INTERNAL_ERROR"
	ErrorCodeNoSession        ErrorCode = "NO_SESSION"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// errorHandler writes classified errors as JSON.
type errorHandler struct {
	logger *zap.Logger
}

// HandleError maps err to a status code and a message a user can act on
func (h *errorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := tenantctx.UserError(err)

	var appErr *apperrors.Error
	if apperrors.KindOf(err) == apperrors.KindValidation && errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}

	if status >= http.StatusInternalServerError {
		h.logger.Warn("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("error_kind", apperrors.KindOf(err).String()),
			zap.Error(err))
	}
	h.WriteErrorResponse(w, r, status, code, message)
}

// WriteErrorResponse writes a formatted error response.
func (h *errorHandler) WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

func statusFor(err error) (int, ErrorCode) {
	switch apperrors.KindOf(err) {
	case apperrors.KindPermission:
		return http.StatusForbidden, ErrorCodePermissionDenied
	case apperrors.KindValidation:
		return http.StatusBadRequest, ErrorCodeInvalidRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound, ErrorCodeTenantNotFound
	case apperrors.KindInternal:
		return http.StatusInternalServerError, ErrorCodeInternalError
	default:
		return http.StatusServiceUnavailable, ErrorCodeServiceDown
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
