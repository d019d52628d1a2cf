package handlers

import (
	"net/http"
)

// StatusReporter is the part of the orchestrator health needs.
type StatusReporter interface {
	Online() bool
}

// Health reports liveness plus the connectivity badge. It answers 200
// while offline; offline is a normal operating mode.
func Health(s StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		online := false
		if s != nil {
			online = s.Online()
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": online})
	}
}
