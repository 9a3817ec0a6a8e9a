package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/infra/breakers"
	"github.com/sawpanic/policyvault/internal/application"
	"github.com/sawpanic/policyvault/internal/persistence"
	"github.com/sawpanic/policyvault/internal/policy"
)

// ActorHeader carries the identity checked by the authorizer
const ActorHeader = "X-Actor"

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

type requestIDKey struct{}

// WithRequestID stores the request id in ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id stored in ctx, or "unknown"
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

// Options carries the collaborators reported by the health endpoint
type Options struct {
	Version      string
	Database     persistence.RepositoryHealth
	BreakerState func() string
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	svc     *application.Service
	opts    Options
	started time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *application.Service, opts Options) *Handlers {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Handlers{svc: svc, opts: opts, started: time.Now()}
}

func actor(r *http.Request) string {
	return r.Header.Get(ActorHeader)
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// writeFailure maps an operation error to its status code
func (h *Handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     http.StatusText(status),
		Message:   err.Error(),
		Code:      "internal_error",
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	}

	var pe *policy.Error
	switch {
	case errors.As(err, &pe):
		resp.Code = string(pe.Code)
		resp.Message = pe.Message
		resp.ConstraintID = pe.ConstraintID
		resp.Details = pe.Details
	case breakers.IsOpen(err):
		resp.Code = "custody_unavailable"
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", resp.RequestID).Str("path", r.URL.Path).Msg("Request failed")
	}
	h.writeJSON(w, status, resp)
}

// StatusFor maps errors to HTTP status codes
func StatusFor(err error) int {
	if breakers.IsOpen(err) {
		return http.StatusServiceUnavailable
	}
	switch policy.CodeOf(err) {
	case policy.CodeDuplicateConstraint, policy.CodeAlreadyRebalancing, policy.CodeNotRebalancing:
		return http.StatusConflict
	case policy.CodeNotFound:
		return http.StatusNotFound
	case policy.CodePolicyViolation, policy.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case policy.CodeInvalidTotal, policy.CodeInvalidAddress, policy.CodeInvalidLimits,
		policy.CodeInvalidArgument, policy.CodeOverflow:
		return http.StatusBadRequest
	case policy.CodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst, rejecting unknown fields
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// MethodNotAllowed handles 405 responses
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		fmt.Sprintf("%s is not supported on %s", r.Method, r.URL.Path))
}
