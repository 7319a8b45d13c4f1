package errors

import (
	"encoding/json"
	"net/http"
)

// Response is the standardized failure envelope returned to clients.
type Response struct {
	Success bool   `json:"success"`
	Error   Detail `json:"error"`
}

// Detail carries the stable code, a human-readable message, and optional
// context such as the offending field or resource id.
type Detail struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// New creates a failure envelope.
func New(code Code, message string, details map[string]any) Response {
	return Response{
		Error: Detail{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// WriteJSON writes the envelope with the code's HTTP status.
func (r Response) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Error.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(r)
}

// Write is a convenience to build and write an envelope in one call.
func Write(w http.ResponseWriter, code Code, message string, details map[string]any) {
	New(code, message, details).WriteJSON(w)
}

// WriteSimple writes an envelope with no detail fields.
func WriteSimple(w http.ResponseWriter, code Code, message string) {
	Write(w, code, message, nil)
}
