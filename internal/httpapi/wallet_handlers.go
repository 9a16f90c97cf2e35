package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"entrypass.org/internal/ledger"
)

type createWalletRequest struct {
	InitialAmount int64 `json:"initial_amount"`
}

type listTransactionsResponse struct {
	Items     []ledger.Transaction `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

func (a *API) handleWalletsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createWallet(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleWalletResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/wallets/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/balance") {
		address := strings.TrimSuffix(strings.TrimSuffix(path, "/balance"), "/")
		if address == "" {
			writeError(w, r, http.StatusNotFound, "wallet not found")
			return
		}
		a.getBalance(w, r, address)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getWallet(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

// createWallet opens the settlement wallet for the authenticated wallet
// address, optionally funded with a demo balance. Devnet faucet
// semantics; production settlement would credit through the substrate.
func (a *API) createWallet(w http.ResponseWriter, r *http.Request) {
	address, err := actingWallet(r)
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	var req createWalletRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.InitialAmount < 0 {
		writeError(w, r, http.StatusBadRequest, "initial_amount must be >= 0")
		return
	}

	wl, err := a.wallets.CreateWallet(r.Context(), address, ledger.Money{
		Currency: ledger.Currency,
		Amount:   req.InitialAmount,
	})
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	a.audit(r.Context(), "wallet.create", "wallet", wl.Address, map[string]string{
		"initial_amount": strconv.FormatInt(req.InitialAmount, 10),
	})

	w.Header().Set("Location", "/v1/wallets/"+wl.Address)
	writeJSON(w, http.StatusCreated, wl)
}

func (a *API) getWallet(w http.ResponseWriter, r *http.Request, address string) {
	wl, err := a.wallets.GetWallet(r.Context(), address)
	if err != nil {
		handlePassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, address string) {
	currency := strings.TrimSpace(r.URL.Query().Get("currency"))
	if currency == "" {
		currency = ledger.Currency
	}
	mon, err := a.wallets.GetBalance(r.Context(), address, strings.ToUpper(currency))
	if err != nil {
		handlePassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mon)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.wallets.ListTransactions(r.Context(), limit, after)
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
