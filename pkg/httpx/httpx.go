package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a request body strictly. An empty body leaves dst untouched.
func ReadJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteError writes the error envelope shared by every endpoint. errType is the
// coarse class clients branch on; code is the specific reason.
func WriteError(w http.ResponseWriter, status int, errType, code, message string, details any) {
	requestID := w.Header().Get(RequestIDHeader)
	if requestID == "" {
		requestID = NewRequestID()
	}
	resp := map[string]any{
		"request_id": requestID,
		"error": map[string]any{
			"type": errType, "code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}
