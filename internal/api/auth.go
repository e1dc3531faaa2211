package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ExtractToken returns the bearer token of the request, if any.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// requireToken rejects requests whose bearer token does not match the
// configured API token. An empty API token disables the check.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := ExtractToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.APIToken)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="loopcast"`)
			writeError(w, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
