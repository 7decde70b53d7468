// pixl/utils/security.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

var (
	IPSalt string
)

// GetIPAddress extracts the real IP address from a request, trusting X-Real-IP from a reverse proxy.
func GetIPAddress(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// HashIP creates a salted SHA256 hash of an IP and returns a truncated hex string.
// Report rows store this instead of the raw reporter address.
func HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + IPSalt))
	return hex.EncodeToString(hash[:16])
}
