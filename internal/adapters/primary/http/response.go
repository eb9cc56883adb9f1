package http

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body written for failed HTTP requests
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header has already been sent; an encode failure cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an ErrorResponse
func WriteError(w http.ResponseWriter, status int, message, code string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}
