package httpapi

import (
	"net/http"
	"strings"
	"time"

	"entrypass.org/internal/auth"
)

const sessionTTL = 8 * time.Hour

type tokenRequest struct {
	Wallet string `json:"wallet"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	Wallet    string `json:"wallet"`
	ExpiresAt int64  `json:"expires_at"` // Unix seconds
}

// handleToken issues a wallet session. This endpoint stands in for the
// external wallet-connect surface: possession of the token is treated as
// control of the wallet it names.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	wallet := strings.TrimSpace(req.Wallet)
	if wallet == "" {
		writeError(w, r, http.StatusBadRequest, "wallet is required")
		return
	}
	if len(wallet) > 64 {
		writeError(w, r, http.StatusBadRequest, "wallet must be <=64 characters")
		return
	}

	token, err := auth.GenerateToken(wallet, sessionTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Wallet:    wallet,
		ExpiresAt: time.Now().Add(sessionTTL).Unix(),
	})
}
