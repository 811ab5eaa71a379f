package internal

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type statsResponse struct {
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Email       string `json:"email,omitempty"`
	Online      *bool  `json:"online,omitempty"`
}

// HandleHealth reports 503 when the media index cannot be reached.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.media.Ping(r.Context()); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "version": Version, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// HandleStats serves the connection and user counts. With ?email= it also
// reports whether that user has an open socket.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{
		Connections: s.registry.Count(),
		Users:       s.registry.Users(),
	}
	if email := strings.TrimSpace(r.URL.Query().Get("email")); email != "" {
		online := s.registry.Online(email)
		stats.Email = email
		stats.Online = &online
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

// clientIP keys per-client limits. X-Forwarded-For is client controlled, so it is
// read only when the server sits behind a proxy that sets it.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
