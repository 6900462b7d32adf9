// Package api serves the anchoring pipeline over HTTP. Errors use RFC 7807
// problem details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/anchor/pkg/anchor"
	"github.com/Mindburn-Labs/anchor/pkg/archive"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/notify"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

const problemTypeBase = "https://anchor.mindburn.dev/errors/"

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is the request path.
	Instance string `json:"instance,omitempty"`
	// Kind is the pipeline error classification, when there is one.
	Kind contracts.ErrorKind `json:"kind,omitempty"`
	// TraceID is the request id.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem detail response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get(requestIDHeader),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 response. err is logged, never sent.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// WriteServiceError maps a pipeline error onto a problem response.
func WriteServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, archive.ErrNotFound):
		WriteNotFound(w, r, err.Error())
		return
	case errors.Is(err, anchor.ErrNoArchive), errors.Is(err, anchor.ErrNoOutbox):
		WriteError(w, r, http.StatusNotImplemented, "Not Implemented", err.Error())
		return
	case errors.Is(err, notify.ErrNoRoom):
		WriteBadRequest(w, r, err.Error())
		return
	}

	kind := contracts.KindOf(err)
	p := &ProblemDetail{
		Instance: r.URL.Path,
		Kind:     kind,
		Detail:   err.Error(),
		TraceID:  w.Header().Get(requestIDHeader),
	}
	switch kind {
	case contracts.KindValidation:
		p.Status, p.Title = http.StatusBadRequest, "Bad Request"
	case contracts.KindEntitlement:
		p.Status, p.Title = http.StatusForbidden, "Forbidden"
	case contracts.KindTransient:
		w.Header().Set("Retry-After", "5")
		p.Status, p.Title = http.StatusServiceUnavailable, "Service Unavailable"
	case contracts.KindLedgerRejection:
		p.Status, p.Title = http.StatusBadGateway, "Bad Gateway"
	default:
		logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "kind", kind, "error", err)
		p.Status, p.Title = http.StatusInternalServerError, "Internal Server Error"
		p.Detail = "An unexpected error occurred. Please try again later."
	}
	p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
	writeProblem(w, p)
}
