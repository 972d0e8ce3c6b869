package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// problemDetail mirrors the RFC 7807 shape the api package serves. The
// middleware package cannot import api (api imports middleware), so it
// carries its own minimal copy for the few responses written this far out in
// the chain.
type problemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// writeProblem writes an RFC 7807 response for middleware-level rejections.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) error {
	problem := problemDetail{
		Type:          fmt.Sprintf("https://screentest.io/problems/%d", status),
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(problem)
}
