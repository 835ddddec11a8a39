package httpapi

import (
	"crypto/subtle"
	"net/http"
)

// Paths reachable without the shared secret: liveness probes and the
// metrics scraper.
var openPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// apiKeyGate enforces the X-API-KEY shared secret. An empty secret disables
// the gate (development only). CORS preflights pass so browsers can learn
// which headers to send.
func apiKeyGate(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.Method == http.MethodOptions || openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-KEY")
			if subtle.ConstantTimeCompare([]byte(key), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
