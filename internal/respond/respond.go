// Package respond writes JSON responses and turns coded errors into the
// error body every server returns. Only fixed or caller-authored messages
// reach clients; wrapped causes are logged.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// ErrorBody is the JSON error model.
type ErrorBody struct {
	Timestamp time.Time         `json:"timestamp"`
	Status    int               `json:"status"`
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Path      string            `json:"path"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Fixed client messages for statuses whose cause must not leak.
const (
	MessageAccessDenied = "access denied"
	MessageUnavailable  = "service temporarily unavailable, retry later"
	MessageConflict     = "resource conflict"
	MessageInternal     = "an unexpected error occurred"
)

// JSON writes v with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps an error to its HTTP status and client message. The message
// comes from the outermost coded error; uncoded errors are internal.
func StatusOf(err error) (int, string) {
	var e *idperrors.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, MessageInternal
	}

	switch e.Code {
	case idperrors.CodeUnauthorized, idperrors.CodeTokenExpired,
		idperrors.CodeTokenInvalid, idperrors.CodeSessionExpired:
		return http.StatusUnauthorized, e.Message
	case idperrors.CodeForbidden:
		return http.StatusForbidden, MessageAccessDenied
	case idperrors.CodeServiceUnavailable:
		return http.StatusServiceUnavailable, MessageUnavailable
	case idperrors.CodeAlreadyExists, idperrors.CodeConflict:
		return http.StatusConflict, MessageConflict
	case idperrors.CodeInvalidInput, idperrors.CodeReplayed:
		return http.StatusBadRequest, e.Message
	case idperrors.CodeNotFound:
		return http.StatusNotFound, e.Message
	case idperrors.CodeRateLimited:
		return http.StatusTooManyRequests, e.Message
	default:
		return http.StatusInternalServerError, MessageInternal
	}
}

// Error writes the error body for err and logs it. Forbidden is logged at
// warn, server errors at error with the cause.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, msg := StatusOf(err)
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", middleware.GetReqID(r.Context()),
	}
	switch {
	case status >= 500:
		logger.Error("request failed", append(attrs, "error", err)...)
	case status == http.StatusForbidden:
		logger.Warn("access denied", append(attrs, "error", err)...)
	default:
		logger.Debug("request rejected", append(attrs, "error", err)...)
	}

	body := newBody(r, status, msg)
	body.Fields = idperrors.FieldsOf(err)
	JSON(w, status, body)
}

// Status writes the error body for status with message.
func Status(w http.ResponseWriter, r *http.Request, status int, message string) {
	JSON(w, status, newBody(r, status, message))
}

func newBody(r *http.Request, status int, message string) ErrorBody {
	return ErrorBody{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   message,
		Path:      r.URL.Path,
	}
}

// ErrorPage serves GET|POST /error. The status query parameter selects a
// 4xx or 5xx status; anything else yields 500.
func ErrorPage(w http.ResponseWriter, r *http.Request) {
	status := http.StatusInternalServerError
	if s, err := strconv.Atoi(r.URL.Query().Get("status")); err == nil && s >= 400 && s <= 599 {
		status = s
	}
	Status(w, r, status, defaultMessage(status))
}

func defaultMessage(status int) string {
	switch status {
	case http.StatusForbidden:
		return MessageAccessDenied
	case http.StatusServiceUnavailable:
		return MessageUnavailable
	case http.StatusConflict:
		return MessageConflict
	}
	if status >= 500 {
		return MessageInternal
	}
	return http.StatusText(status)
}

// NotFound is the router fallback for unknown paths.
func NotFound(w http.ResponseWriter, r *http.Request) {
	Status(w, r, http.StatusNotFound, "resource not found")
}

// MethodNotAllowed is the router fallback for unsupported methods.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	Status(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
