package auth

import (
	"net"
	"net/http"

	"github.com/google/uuid"
)

// generateUUID generates a new UUID string.
func generateUUID() string {
	return uuid.New().String()
}

// clientIP returns the host part of RemoteAddr. Proxy headers are only
// honoured when chi's RealIP middleware has already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
