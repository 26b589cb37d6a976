package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/meshforge/orchestrator/internal/classify"
	"github.com/meshforge/orchestrator/internal/logging"
)

// errorEnvelope is the uniform JSON error shape from §6.
type errorEnvelope struct {
	Code    classify.Code          `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeServiceError renders err as the uniform error envelope, classifying
// it via classify.GetServiceError first (internal if err carries no
// ServiceError of its own).
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	se := classify.GetServiceError(err)
	if se == nil {
		se = classify.Internal("unexpected error", err)
	}
	logging.FromContext(r.Context()).WithContext(r.Context()).WithError(se).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"code":   se.Code,
	}).Warn("command failed")
	writeJSON(w, se.HTTPStatus(), errorEnvelope{Code: se.Code, Message: se.Message, Details: se.Details})
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
