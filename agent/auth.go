package agent

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/session"
	"github.com/thiratt/nekoshare-gateway/xlog"
)

// bearerToken reads "Authorization: Bearer <token>", falling back to the
// token query parameter for clients that cannot set headers on upgrade.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate is chi middleware resolving the request's bearer token into a
// session.Identity stored in the request context. Requests without a valid
// token never reach the upgrade.
func Authenticate(auth session.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Authenticate(r.Context(), bearerToken(r))
			if err != nil {
				if errors.Is(err, session.ErrUnauthenticated) {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				xlog.Transport(session.TransportWS.String()).Error("authenticate upgrade", zap.Error(err))
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(session.ContextWithIdentity(r.Context(), id)))
		})
	}
}
