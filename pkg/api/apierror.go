package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/regtrace/regtrace/pkg/errkind"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// error responses on this surface use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// writeProblem writes an RFC 7807 response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://regtrace.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeError maps a classified pipeline error onto the HTTP edge. The kind
// decides the status; the message is exposed, wrapped causes are not.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errkind.KindOf(err)
	status := errkind.HTTPStatus(kind)

	detail := err.Error()
	var classified *errkind.Error
	if errors.As(err, &classified) {
		detail = classified.Message()
	}
	if status >= http.StatusInternalServerError {
		// Never expose infrastructure detail.
		detail = "upstream dependency unavailable"
	}
	writeProblem(w, r, status, string(kind), detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
