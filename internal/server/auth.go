package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorize checks the bearer token when one is configured. Websocket
// clients that cannot set headers may pass ?token= instead. It writes 401
// for a missing token and 403 for a wrong one.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := bearerToken(r)
	if got == "" && r.URL.Path == "/ws" {
		got = r.URL.Query().Get("token")
	}
	if got == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		writeError(w, http.StatusForbidden, "invalid token")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
