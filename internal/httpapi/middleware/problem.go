package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeRFC7807Error writes an RFC 7807 Problem Details response.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, statusCode int, detail, correlationID string) error {
	title := http.StatusText(statusCode)
	if title == "" {
		title = "Error"
	}

	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://logaggregator.dev/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
