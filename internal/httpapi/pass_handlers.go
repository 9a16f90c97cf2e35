package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"entrypass.org/internal/ledger"
	"entrypass.org/internal/obs"
	"entrypass.org/internal/pass"
	"entrypass.org/internal/stream"
)

type revokeRequest struct {
	Collection string `json:"collection"`
}

type listCollectionsResponse struct {
	Items []pass.PassCollection `json:"items"`
	AsOf  time.Time             `json:"as_of"`
}

type listPassesResponse struct {
	Items []pass.UserPass `json:"items"`
	Owner string          `json:"owner"`
	AsOf  time.Time       `json:"as_of"`
}

func (a *API) handleCollections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createCollection(w, r)
	case http.MethodGet:
		a.listCollections(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleCollectionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/collections/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/purchase") {
		address := strings.TrimSuffix(strings.TrimSuffix(path, "/purchase"), "/")
		if address == "" {
			writeError(w, r, http.StatusNotFound, "collection not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.purchase(w, r, address)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getCollection(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handlePasses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		writeError(w, r, http.StatusBadRequest, "owner query parameter is required")
		return
	}
	items, err := a.passes.ListUserPasses(r.Context(), owner)
	if err != nil {
		handlePassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listPassesResponse{
		Items: items,
		Owner: owner,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) handlePassResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/passes/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/revoke") {
		address := strings.TrimSuffix(strings.TrimSuffix(path, "/revoke"), "/")
		if address == "" {
			writeError(w, r, http.StatusNotFound, "pass not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revoke(w, r, address)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getUserPass(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) createCollection(w http.ResponseWriter, r *http.Request) {
	organizer, err := actingWallet(r)
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	var in pass.CreateCollectionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	c, err := a.passes.CreateCollection(r.Context(), organizer, in)
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	obs.CollectionsCreated.Inc()
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:       stream.KindIssue,
			Collection: c.Address,
			Wallet:     organizer,
			Timestamp:  time.Now().UTC(),
		})
	}
	a.audit(r.Context(), "pass.collection.create", "pass_collection", c.Address, map[string]string{
		"name":       c.Name,
		"price":      strconv.FormatInt(c.Price, 10),
		"max_supply": strconv.FormatInt(c.MaxSupply, 10),
	})

	w.Header().Set("Location", "/v1/collections/"+c.Address)
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) listCollections(w http.ResponseWriter, r *http.Request) {
	items, err := a.passes.ListCollections(r.Context())
	if err != nil {
		handlePassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listCollectionsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) getCollection(w http.ResponseWriter, r *http.Request, address string) {
	c, err := a.passes.GetCollection(r.Context(), address)
	if err != nil {
		handlePassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) purchase(w http.ResponseWriter, r *http.Request, collectionAddr string) {
	buyer, err := actingWallet(r)
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	p, err := a.passes.Purchase(r.Context(), buyer, collectionAddr)
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	obs.PassesPurchased.Inc()
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:       stream.KindPurchase,
			Collection: p.PassCollection,
			Pass:       p.Address,
			Wallet:     buyer,
			Currency:   ledger.Currency,
			Timestamp:  time.Now().UTC(),
		})
	}
	a.audit(r.Context(), "pass.purchase", "user_pass", p.Address, map[string]string{
		"collection": p.PassCollection,
		"expires_at": strconv.FormatInt(p.ExpiresAt, 10),
	})

	w.Header().Set("Location", "/v1/passes/"+p.Address)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getUserPass(w http.ResponseWriter, r *http.Request, address string) {
	p, err := a.passes.GetUserPass(r.Context(), address)
	if err != nil {
		handlePassError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) revoke(w http.ResponseWriter, r *http.Request, passAddr string) {
	issuer, err := actingWallet(r)
	if err != nil {
		handlePassError(w, r, err)
		return
	}

	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	collection := strings.TrimSpace(req.Collection)
	if collection == "" {
		writeError(w, r, http.StatusBadRequest, "collection is required")
		return
	}

	if err := a.passes.Revoke(r.Context(), issuer, passAddr, collection); err != nil {
		handlePassError(w, r, err)
		return
	}

	obs.PassesRevoked.Inc()
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:       stream.KindRevoke,
			Collection: collection,
			Pass:       passAddr,
			Timestamp:  time.Now().UTC(),
		})
	}
	a.audit(r.Context(), "pass.revoke", "user_pass", passAddr, map[string]string{
		"collection": collection,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"pass":    passAddr,
		"revoked": true,
	})
}

// handleVerify serves the read-only verification query. It never turns a
// lookup fault into a 5xx: the protocol's contract is valid=false with a
// reason.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		writeError(w, r, http.StatusBadRequest, "wallet query parameter is required")
		return
	}
	collection := strings.TrimSpace(r.URL.Query().Get("collection"))

	var (
		v   pass.Verification
		err error
	)
	if collection != "" {
		v, err = a.passes.Verify(r.Context(), wallet, collection)
	} else {
		v, err = a.passes.VerifyAny(r.Context(), wallet)
	}
	if err != nil {
		// Backends degrade faults themselves; anything surfacing here
		// still reports as a denial.
		v = pass.Verification{Valid: false, Reason: "lookup failed: " + err.Error()}
	}

	obs.ObserveVerification(v.Valid)
	writeJSON(w, http.StatusOK, v)
}

func handlePassError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pass.ErrInvalidInput),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCurrency),
		errors.Is(err, ledger.ErrInvalidAddress):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, pass.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "wallet session required")
	case errors.Is(err, pass.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, pass.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, pass.ErrAlreadyExists), errors.Is(err, ledger.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, pass.ErrSupplyExhausted):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, r, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, pass.ErrSettlementFailure):
		writeError(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, pass.ErrLookupFailure):
		writeError(w, r, http.StatusInternalServerError, "lookup failed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
