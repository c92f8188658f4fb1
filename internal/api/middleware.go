package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"bita-miner/internal/identity"
	"bita-miner/pkg/logger"
)

const authScheme = "tma "

type ctxKey struct{}

type launch struct {
	identity identity.Identity
	inviter  string
}

// WithIdentity resolves the Mini App user from "Authorization: tma <initData>".
// Requests without a valid identity stop here with 401.
func WithIdentity(botToken string, maxAge time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, authScheme) {
				logger.Log.Warn("unauthorized request", logger.String("url", r.RequestURI))
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			id, inviter, err := identity.Parse(botToken, strings.TrimPrefix(authHeader, authScheme), maxAge, now())
			if err != nil {
				logger.Log.Warn("unauthorized request", logger.String("url", r.RequestURI), logger.Error(err))
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKey{}, launch{identity: id, inviter: inviter})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func launchFrom(ctx context.Context) (launch, bool) {
	l, ok := ctx.Value(ctxKey{}).(launch)
	return l, ok
}
