package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"warden/services/dispatch"
	"warden/services/orchestrator"
)

// errUnauthorized maps to 401 for both bad enroll tokens and bad agent tokens.
var errUnauthorized = errors.New("unauthorized")

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondDomainError translates the sentinel errors raised below the HTTP
// layer into status codes; anything unrecognized is a 500.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrBadRequest):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, dispatch.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, err)
	case errors.Is(err, errUnauthorized):
		respondError(w, http.StatusUnauthorized, errUnauthorized)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
