package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/buymybills/Incollabe-BE-sub001/pkg/autherr"
	"github.com/buymybills/Incollabe-BE-sub001/pkg/telemetry"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func decode(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return autherr.Wrap(autherr.KindInvalidInput, "malformed request body", err)
	}
	return nil
}

// writeError maps an error to its status code. Token failures collapse to a uniform
// "unauthorized" so callers cannot tell revoked, missing and forged tokens apart.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	kind := autherr.KindOf(err)

	if autherr.Unauthorized(err) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}

	switch kind {
	case autherr.KindRateLimited, autherr.KindBruteForceLocked:
		if retry := autherr.RetryAfter(err); retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		}
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: string(kind), Message: message(err)})
	case autherr.KindInvalidCode, autherr.KindInvalidInput:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: string(kind), Message: message(err)})
	case autherr.KindVerificationNeeded:
		writeJSON(w, http.StatusForbidden, errorBody{Error: string(kind), Message: message(err)})
	case autherr.KindIdentityConflict:
		writeJSON(w, http.StatusConflict, errorBody{Error: string(kind), Message: message(err)})
	case autherr.KindNotFound:
		writeJSON(w, http.StatusNotFound, errorBody{Error: string(kind)})
	case autherr.KindDataIntegrity:
		telemetry.DataIntegrityErrorsTotal.Inc()
		logger.Error().Err(err).Msg("data integrity failure")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	default:
		logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

// message returns the stable, caller-safe part of an *autherr.Error without wrapped causes.
func message(err error) string {
	var e *autherr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ""
}
