package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/notifyhub/web-push-notification/internal/domain"
	"github.com/notifyhub/web-push-notification/internal/settings"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// mapError translates domain sentinel errors to HTTP status codes.
// All mapping lives here so individual handlers stay concise.
func mapError(w http.ResponseWriter, err error) {
	var ve *settings.ValidationError
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": ve.Error(),
			"field": ve.Field,
		})
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTitle),
		errors.Is(err, domain.ErrInvalidBody),
		errors.Is(err, domain.ErrInvalidEndpoint),
		errors.Is(err, domain.ErrInvalidKeys),
		errors.Is(err, domain.ErrNoSubscriptions):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrMissingKeys):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
