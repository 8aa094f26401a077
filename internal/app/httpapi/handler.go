// Package httpapi exposes the engine over REST plus a websocket event feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/nodepass-labs/yieldpass/internal/app"
	"github.com/nodepass-labs/yieldpass/internal/app/adapter"
	"github.com/nodepass-labs/yieldpass/internal/app/domain/token"
	"github.com/nodepass-labs/yieldpass/internal/app/events"
	"github.com/nodepass-labs/yieldpass/internal/app/metrics"
	enginesvc "github.com/nodepass-labs/yieldpass/internal/app/services/engine"
	marketsvc "github.com/nodepass-labs/yieldpass/internal/app/services/markets"
	tokensvc "github.com/nodepass-labs/yieldpass/internal/app/services/tokens"
)

// Options configures the HTTP surface.
type Options struct {
	JWTSecret     string
	AdminUser     string
	AdminPassword string
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app  *app.Application
	auth *authenticator
}

// NewHandler returns a router exposing the REST API and the event feed.
func NewHandler(application *app.Application, opts Options) http.Handler {
	h := &handler{
		app:  application,
		auth: newAuthenticator(opts.JWTSecret, opts.AdminUser, opts.AdminPassword),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)

	r.HandleFunc("/markets", h.auth.requireAdmin(h.deployMarket)).Methods(http.MethodPost)
	r.HandleFunc("/markets", h.listMarkets).Methods(http.MethodGet)
	r.HandleFunc("/markets/{id}", h.getMarket).Methods(http.MethodGet)
	r.HandleFunc("/markets/{id}/state", h.claimState).Methods(http.MethodGet)
	r.HandleFunc("/markets/{id}/adapter", h.auth.requireAdmin(h.setAdapter)).Methods(http.MethodPut)

	r.HandleFunc("/markets/{id}/mint", h.mint).Methods(http.MethodPost)
	r.HandleFunc("/markets/{id}/harvest", h.harvest).Methods(http.MethodPost)
	r.HandleFunc("/markets/{id}/claim", h.claim).Methods(http.MethodPost)
	r.HandleFunc("/markets/{id}/redeem", h.redeem).Methods(http.MethodPost)
	r.HandleFunc("/markets/{id}/withdraw", h.withdraw).Methods(http.MethodPost)
	r.HandleFunc("/markets/{id}/transfer", h.transfer).Methods(http.MethodPost)

	r.HandleFunc("/markets/{id}/balances/{account}", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/markets/{id}/passes", h.nodePasses).Methods(http.MethodGet)
	r.HandleFunc("/markets/{id}/events", h.listEvents).Methods(http.MethodGet)

	r.Handle("/events/ws", events.NewBroadcaster(application.Bus, nil)).Methods(http.MethodGet)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := h.auth.issue(payload.User, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *handler) deployMarket(w http.ResponseWriter, r *http.Request) {
	var params marketsvc.DeployParams
	if err := decodeJSON(r.Body, &params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	m, err := h.app.Markets.Deploy(r.Context(), params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *handler) listMarkets(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Markets.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) getMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.app.Markets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	status, err := h.app.Markets.Status(r.Context(), m)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market": m,
		"status": status,
	})
}

func (h *handler) claimState(w http.ResponseWriter, r *http.Request) {
	state, err := h.app.Markets.ClaimState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) setAdapter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Adapter string `json:"adapter"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	m, err := h.app.Markets.SetAdapter(r.Context(), mux.Vars(r)["id"], payload.Adapter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	var params enginesvc.MintParams
	if err := decodeJSON(r.Body, &params); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	params.MarketID = mux.Vars(r)["id"]

	start := time.Now()
	result, err := h.app.Engine.Mint(r.Context(), params)
	metrics.RecordEngineOperation("mint", time.Since(start), err)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handler) harvest(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AdapterData json.RawMessage `json:"adapter_data,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	amount, err := h.app.Engine.Harvest(r.Context(), mux.Vars(r)["id"], payload.AdapterData)
	metrics.RecordEngineOperation("harvest", time.Since(start), err)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"harvested": amount})
}

func (h *handler) claim(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller    string `json:"caller"`
		Recipient string `json:"recipient"`
		Shares    string `json:"shares"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	yield, err := h.app.Engine.Claim(r.Context(), mux.Vars(r)["id"], payload.Caller, payload.Recipient, payload.Shares)
	metrics.RecordEngineOperation("claim", time.Since(start), err)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"yield": yield})
}

func (h *handler) redeem(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller     string   `json:"caller"`
		Recipient  string   `json:"recipient"`
		LicenseIDs []string `json:"license_ids"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	hash, err := h.app.Engine.Redeem(r.Context(), mux.Vars(r)["id"], payload.Caller, payload.Recipient, payload.LicenseIDs)
	metrics.RecordEngineOperation("redeem", time.Since(start), err)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redemption_hash": hash})
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller     string   `json:"caller"`
		LicenseIDs []string `json:"license_ids,omitempty"`
		Hash       string   `json:"redemption_hash"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()
	recipient, err := h.app.Engine.Withdraw(r.Context(), mux.Vars(r)["id"], payload.Caller, payload.LicenseIDs, payload.Hash)
	metrics.RecordEngineOperation("withdraw", time.Since(start), err)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recipient": recipient})
}

func (h *handler) transfer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := token.ParseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Tokens.Transfer(r.Context(), mux.Vars(r)["id"], payload.From, payload.To, amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	amount, err := h.app.Tokens.Balance(r.Context(), vars["id"], vars["account"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market_id": vars["id"],
		"account":   vars["account"],
		"amount":    token.FormatAmount(amount),
	})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}

	list, err := h.app.Events.ListEvents(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) nodePasses(w http.ResponseWriter, r *http.Request) {
	passes, err := h.app.Tokens.ListNodePasses(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, passes)
}

// statusFor maps service errors to HTTP statuses: lifecycle and adapter
// state conflicts are 409, bad input is 400, missing things are 404.
func statusFor(err error) int {
	switch {
	case errors.Is(err, marketsvc.ErrMarketNotFound),
		errors.Is(err, enginesvc.ErrInvalidYieldPass),
		errors.Is(err, adapter.ErrUnknownRedemption):
		return http.StatusNotFound
	case errors.Is(err, marketsvc.ErrMarketExists),
		errors.Is(err, enginesvc.ErrInvalidWindow),
		errors.Is(err, enginesvc.ErrDeadlineExceeded),
		errors.Is(err, enginesvc.ErrStateConflict),
		errors.Is(err, adapter.ErrHarvestCompleted),
		errors.Is(err, adapter.ErrHarvestNotCompleted),
		errors.Is(err, adapter.ErrCooldownActive),
		errors.Is(err, enginesvc.ErrInvalidRecipient):
		return http.StatusConflict
	case errors.Is(err, tokensvc.ErrNotOwner),
		errors.Is(err, adapter.ErrNotCustodian),
		errors.Is(err, adapter.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, marketsvc.ErrInvalidWindow),
		errors.Is(err, marketsvc.ErrUnknownAdapter),
		errors.Is(err, enginesvc.ErrInvalidAmount),
		errors.Is(err, tokensvc.ErrInvalidAmount),
		errors.Is(err, tokensvc.ErrInsufficientBalance):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
