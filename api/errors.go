package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/warp/campfire-engine/credits"
	"github.com/warp/campfire-engine/lifecycle"
)

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the engine's error taxonomy to HTTP:
//
//	NotFound 404, Forbidden 403, InvalidTransition 409,
//	ConcurrentModification 409, MissingField 422,
//	InsufficientCredits 402, Validation 400, anything else 500.
//
// Unexpected errors are logged with their cause and answered generically.
func writeDomainError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error: err.Error(),
			Code:  "insufficient_credits",
			Details: map[string]credits.Amount{
				"available": insufficient.Available,
				"needed":    insufficient.Needed,
			},
		})
		return
	}

	var recon *credits.ReconciliationError
	if errors.As(err, &recon) {
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "reconciliation_failed", Details: recon.Report})
		return
	}

	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, ErrorResponse{Error: "Internal error", Code: code})
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var missing *lifecycle.MissingFieldError
	var invalid *credits.ValidationError
	switch {
	case errors.As(err, &missing):
		resp.Details = map[string]string{"field": missing.Field}
	case errors.As(err, &invalid):
		resp.Details = map[string]string{"field": invalid.Field}
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, credits.ErrPackNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, lifecycle.ErrConcurrentModification):
		return http.StatusConflict, "conflict"
	case errors.Is(err, lifecycle.ErrMissingField):
		return http.StatusUnprocessableEntity, "missing_field"
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, credits.ErrValidation):
		return http.StatusBadRequest, "validation"
	}
	return http.StatusInternalServerError, "internal"
}
