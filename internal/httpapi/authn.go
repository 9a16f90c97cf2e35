package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"entrypass.org/internal/auth"
	"entrypass.org/internal/pass"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the wallet session from a bearer token, when one is
// presented, and attaches it to the request context. Requests without a
// token pass through unauthenticated; the mutating handlers enforce the
// identity requirement themselves, so the read-only surface (verify,
// fetches, health) stays open.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(authHeader))
		if header == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(header)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithWallet(r.Context(), claims.Wallet())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actingWallet returns the authenticated wallet or ErrUnauthenticated.
func actingWallet(r *http.Request) (string, error) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok {
		return "", pass.ErrUnauthenticated
	}
	return wallet, nil
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
