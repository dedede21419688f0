package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakil470004/issue-tracker/pkg/token"
)

// NewAuthMiddleware gates every connection attempt on credential
// verification. The verifier runs exactly once per attempt; a failure
// rejects the request before the WebSocket upgrade, so a refused connection
// never touches presence or room state and never receives an event. On
// success the resolved user id is attached to the request metadata.
func NewAuthMiddleware(logger *slog.Logger, verifier token.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// couldn't extract metadata from request so something went wrong with previous middlewares
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := credentialFrom(r)
			if tokenString == "" {
				logger.Warn("Missing credential on connection attempt", slog.String("ip", reqMeta.IP))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			userID, err := verifier.Verify(tokenString)
			if err != nil {
				logger.Warn("Invalid credential presented", slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.UserID = userID
			next.ServeHTTP(w, r)
		})
	}
}

// credentialFrom extracts the handshake credential. Browser WebSocket
// clients cannot set headers, so a "token" query parameter is accepted
// alongside the Authorization header.
func credentialFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
