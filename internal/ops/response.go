package ops

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	JSON(w, status, map[string]string{
		"error":      message,
		"request_id": GetRequestID(r.Context()),
	})
}
