package security

import (
	"net/http"
)

// SetTokenHeaders sets the headers required on every response that carries
// credentials or credential errors (RFC 6749 Section 5.1).
func SetTokenHeaders(w http.ResponseWriter) {
	// Prevent caching of token responses
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
