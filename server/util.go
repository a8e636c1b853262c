package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader creates a WebSocket upgrader with origin checking from config
func (s *AgentServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates a request origin against the configured allow-list.
// Requests with no Origin header (curl, direct WebSocket clients) pass.
func (s *AgentServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	}

	// Prefix matching so any port on an allowed host passes
	for _, allowedOrigin := range allowed {
		if strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}
	return false
}

// corsMiddleware sets CORS headers for allowed origins and answers
// preflight requests
func (s *AgentServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
