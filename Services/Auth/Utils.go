package auth

import (
	"net/http"
	"strings"
)

const bearerPrefix = "bearer "

// GetAuthToken returns the bearer token of the Authorization header, or "".
func GetAuthToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

// GetSocketToken prefers the Authorization header and falls back to ?token=.
func GetSocketToken(r *http.Request) string {
	if t := GetAuthToken(r); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
