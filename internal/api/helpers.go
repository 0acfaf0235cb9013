package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cloakroom-chat/cloakroom/internal/dserr"
)

// SuccessResponse is the JSON envelope for successful responses.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse is the JSON envelope for error responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the stable code, a human-readable message, and — for
// StaleEpoch replies — the server's current epoch so the client can refetch
// and retry.
type ErrorBody struct {
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	CurrentEpoch *uint64 `json:"current_epoch,omitempty"`
}

// WriteJSON writes data wrapped in the success envelope.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(SuccessResponse{Data: data})
}

// WriteError writes an error envelope with the given code and message.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// WriteNoContent writes an empty 204 response.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteServiceError maps a service error to its HTTP form. StaleEpoch
// carries the current epoch; RateLimited carries Retry-After.
func WriteServiceError(w http.ResponseWriter, err error) {
	e := dserr.From(err)

	if e.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())

	body := ErrorBody{Code: e.Code, Message: e.Message}
	if e.Kind == dserr.KindStaleEpoch {
		epoch := e.CurrentEpoch
		body.CurrentEpoch = &epoch
	}
	json.NewEncoder(w).Encode(ErrorResponse{Error: body})
}

// decodeJSON parses a request body into dst, surfacing a validation error on
// malformed input.
func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return dserr.Validation("invalid request body")
	}
	return nil
}
