package api

import (
	"encoding/json"
	"net/http"

	"github.com/Abraj743/opd-token-engine/internal/token"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeDomainError maps a domain error code to an HTTP status and keeps
// its details and suggestions on the wire.
func writeDomainError(w http.ResponseWriter, err error) {
	e := token.AsError(err)
	writeJSON(w, statusFor(e.Code), ErrorResponse{
		Error:       string(e.Code),
		Message:     e.Message,
		Details:     e.Details,
		Suggestions: e.Suggestions,
	})
}

func statusFor(code token.Code) int {
	switch code {
	case token.CodeValidation:
		return http.StatusBadRequest
	case token.CodeSlotNotFound, token.CodeTokenNotFound:
		return http.StatusNotFound
	case token.CodeSlotCapacityExceeded,
		token.CodeSlotNotAvailable,
		token.CodeTokenAlreadyProcessed,
		token.CodeSchedulingConflict,
		token.CodeConcurrentModification,
		token.CodeOperationInProgress:
		return http.StatusConflict
	case token.CodeMaxRetriesExceeded, token.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
