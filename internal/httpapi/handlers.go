// Package httpapi exposes the pass protocol and its settlement ledger
// over HTTP. Routing stays on the standard ServeMux; handlers parse
// resource paths by hand.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"entrypass.org/internal/audit"
	"entrypass.org/internal/ledger"
	"entrypass.org/internal/obs"
	"entrypass.org/internal/pass"
	"entrypass.org/internal/stream"
)

// ReadyProbe is a readiness check (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	passes  pass.Service
	wallets ledger.Service
	stream  *stream.Stream

	rateBurst  int
	ratePerSec int
}

// New wires the full route table.
func New(rp ReadyProbe, version string, passes pass.Service, wallets ledger.Service, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		passes:     passes,
		wallets:    wallets,
		stream:     st,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// wallet session boundary
	a.mux.HandleFunc("/v1/auth/token", a.handleToken)

	// settlement wallets
	a.mux.HandleFunc("/v1/wallets", a.handleWalletsCollection)
	a.mux.HandleFunc("/v1/wallets/", a.handleWalletResource)
	a.mux.HandleFunc("/v1/ledger/transactions", a.handleTransactions)

	// pass protocol
	a.mux.HandleFunc("/v1/collections", a.handleCollections)
	a.mux.HandleFunc("/v1/collections/", a.handleCollectionResource)
	a.mux.HandleFunc("/v1/passes", a.handlePasses)
	a.mux.HandleFunc("/v1/passes/", a.handlePassResource)
	a.mux.HandleFunc("/v1/verify", a.handleVerify)

	// live events
	a.mux.HandleFunc("/v1/stream", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "entrypass-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "entrypass-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, event, resourceType, resourceID string, meta map[string]string) {
	fields := map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
