package util

import (
	"encoding/json"
	"net/http"
)

// APIError is the single error envelope every endpoint speaks. Code is a
// stable machine-readable string the door display and wrangler console
// branch on; Message is for humans and may change.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes payload with the given status. Encoding errors are
// swallowed: the header is already out by then.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	WriteJSON(w, status, APIError{Code: code, Message: msg, RequestID: reqID})
}
