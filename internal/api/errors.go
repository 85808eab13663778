// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/g1dev/g1d/internal/log"
)

// apiVersion is reported in every response envelope.
const apiVersion = "1.0"

// ErrorCode classifies gateway and subsystem failures for clients.
type ErrorCode string

const (
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeAuthentication ErrorCode = "AUTHENTICATION_ERROR"
	CodeAuthorization  ErrorCode = "AUTHORIZATION_ERROR"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeTimeout        ErrorCode = "TIMEOUT"
	CodeRobotOffline   ErrorCode = "ROBOT_OFFLINE"
	CodeRobotBusy      ErrorCode = "ROBOT_BUSY"
	CodeRobotError     ErrorCode = "ROBOT_ERROR"
	CodeMotionError    ErrorCode = "MOTION_ERROR"
	CodeSensorError    ErrorCode = "SENSOR_ERROR"
	CodeSystemError    ErrorCode = "SYSTEM_ERROR"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeNotImplemented ErrorCode = "NOT_IMPLEMENTED"
)

// httpStatus maps every code to its HTTP status.
func (c ErrorCode) httpStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeRobotOffline, CodeRobotBusy, CodeRobotError:
		return http.StatusServiceUnavailable
	case CodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// apiError carries a typed failure through handler returns.
type apiError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *apiError) Error() string { return string(e.Code) + ": " + e.Message }

func errCode(code ErrorCode, msg string) *apiError {
	return &apiError{Code: code, Message: msg}
}

func errValidation(field, msg string) *apiError {
	return &apiError{Code: CodeValidation, Message: msg, Field: field}
}

// Metadata is attached to every envelope.
type Metadata struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	ProcessingTime float64   `json:"processing_time"`
	Version        string    `json:"version"`
	Server         string    `json:"server"`
}

// Envelope is the uniform response shape of the REST surface.
type Envelope struct {
	Status   string    `json:"status"`
	Message  string    `json:"message"`
	Data     any       `json:"data,omitempty"`
	Error    *apiError `json:"error,omitempty"`
	Metadata Metadata  `json:"metadata"`
}

func (s *Server) metadata(r *http.Request) Metadata {
	md := Metadata{
		Timestamp: time.Now().UTC(),
		RequestID: log.RequestIDFromContext(r.Context()),
		Version:   apiVersion,
		Server:    s.serverName,
	}
	if start, ok := r.Context().Value(startTimeKey{}).(time.Time); ok {
		md.ProcessingTime = time.Since(start).Seconds()
	}
	return md
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, code int, message string, data any) {
	writeJSON(w, code, Envelope{
		Status:   "success",
		Message:  message,
		Data:     data,
		Metadata: s.metadata(r),
	})
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		msg := "internal error"
		if s.cfg().Security.DebugErrors {
			msg = err.Error()
		}
		ae = errCode(CodeInternal, msg)
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Warn().
		Str("event", "api.request_failed").
		Str("code", string(ae.Code)).
		Str("path", r.URL.Path).
		Msg(ae.Message)

	writeJSON(w, ae.Code.httpStatus(), Envelope{
		Status:   "error",
		Message:  ae.Message,
		Error:    ae,
		Metadata: s.metadata(r),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errValidation("", "invalid JSON body: "+err.Error())
	}
	return nil
}
