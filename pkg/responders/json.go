package responders

import (
	"encoding/json"
	"net/http"
)

// envelope is the success wrapper every gateway endpoint returns.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// JSON writes an application/json response with status code and payload.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// Data wraps the payload in the {success:true, data:...} envelope.
func Data(w http.ResponseWriter, status int, payload any) {
	JSON(w, status, envelope{Success: true, Data: payload})
}
