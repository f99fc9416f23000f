package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xtrntr/spotexchange/internal/auth"
	"github.com/xtrntr/spotexchange/internal/models"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// decodeJSON reads the request body into v, rejecting unknown fields
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// errorKinds maps service errors to status codes. Order matters only for
// errors that wrap more than one kind.
var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden"},
	{models.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{models.ErrConflict, http.StatusConflict, "conflict"},
	{models.ErrInvalidCurrency, http.StatusBadRequest, "invalid_currency"},
	{models.ErrInsufficientFunds, http.StatusBadRequest, "insufficient_funds"},
	{models.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
}

// statusFor classifies err. Unknown errors are internal and their text is
// not exposed.
func statusFor(err error) (int, string, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code, err.Error()
		}
	}
	return http.StatusInternalServerError, "internal", "internal server error"
}
