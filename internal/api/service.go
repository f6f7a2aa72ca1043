// Package api provides the HTTP handlers for the margin engine: collateral
// operations, trade application, risk queries, liquidation, settlement, and
// the audit journal.
//
// All monetary values use shopspring/decimal — never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/optx/margin-engine/internal/exposure"
	"github.com/optx/margin-engine/internal/ledger"
	"github.com/optx/margin-engine/internal/model"
	"github.com/optx/margin-engine/internal/oracle"
	"github.com/optx/margin-engine/internal/position"
	"github.com/optx/margin-engine/internal/registry"
	"github.com/optx/margin-engine/internal/risk"
	"github.com/optx/margin-engine/internal/store"
	"github.com/optx/margin-engine/internal/ticker"
)

// Service wires the engines behind HTTP. The engines serialize their own
// mutations; the service adds no locking of its own.
type Service struct {
	ledger    *ledger.Ledger
	risk      *risk.Engine
	positions *position.Engine
	journal   store.Store
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts

	// Dev-mode collaborators; nil when the catalog/oracle are external.
	catalog  *registry.Memory
	prices   *oracle.Static
	ownerKey string
}

// NewService creates the API service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(led *ledger.Ledger, r *risk.Engine, eng *position.Engine, journal store.Store, hub *WSHub) *Service {
	return &Service{
		ledger:    led,
		risk:      r,
		positions: eng,
		journal:   journal,
		wsHub:     hub,
	}
}

// EnableAdmin turns on the dev-mode admin surface: series catalog writes,
// static price writes, risk parameter updates, and asset configuration.
// Every admin write requires the owner key.
func (s *Service) EnableAdmin(catalog *registry.Memory, prices *oracle.Static, ownerKey string) {
	s.catalog = catalog
	s.prices = prices
	s.ownerKey = ownerKey
}

// Routes registers all endpoints on the router.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Collateral.
	r.Post("/accounts/{account}/deposit", s.Deposit)
	r.Post("/accounts/{account}/withdraw", s.Withdraw)
	r.Get("/accounts/{account}/withdraw-preview", s.WithdrawPreview)
	r.Post("/accounts/{account}/yield", s.SetYieldOptIn)
	r.Post("/accounts/{account}/strategy-move", s.StrategyMove)
	r.Get("/accounts/{account}/balances", s.Balances)

	// Risk and positions.
	r.Get("/accounts/{account}/risk", s.AccountRisk)
	r.Get("/accounts/{account}/positions", s.Positions)

	// Engine operations.
	r.Post("/trades", s.ApplyTrade)
	r.Post("/liquidations", s.Liquidate)
	r.Post("/settlements", s.Settle)

	// Insurance backstop.
	r.Post("/insurance/deposit", s.FundInsurance)
	r.Get("/insurance", s.InsuranceBalances)

	// Audit journal.
	r.Get("/journal/accounts/{account}", s.JournalByAccount)
	r.Get("/journal/refs/{ref}", s.JournalByRef)
	r.Get("/series/{seriesID}/settlements", s.SettlementsBySeries)
	r.Get("/series/{seriesID}/accounting", s.SeriesAccounting)

	// Admin surface. Every write requires the owner key; the risk engine
	// re-checks the key on its own setters.
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireOwner)
		if s.catalog != nil {
			r.Put("/series", s.PutSeries)
			r.Post("/series/{seriesID}/active", s.SetSeriesActive)
			r.Post("/series/{seriesID}/finalize", s.FinalizeSeries)
		}
		if s.prices != nil {
			r.Put("/prices", s.PutPrice)
		}
		r.Post("/params", s.SetRiskParams)
		r.Post("/underlyings/{underlying}", s.SetUnderlyingRisk)
		r.Post("/assets", s.SetAsset)
	})
}

// requireOwner rejects admin requests whose X-Owner-Key header does not
// match the configured owner key. An unset key locks the surface entirely.
func (s *Service) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ownerKey == "" || r.Header.Get("X-Owner-Key") != s.ownerKey {
			writeError(w, "owner key required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request/Response types ---

// AmountRequest is the JSON body for deposit, withdraw, and insurance calls.
type AmountRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	Buyer    string          `json:"buyer"`
	Seller   string          `json:"seller"`
	SeriesID string          `json:"series_id"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"` // settlement asset smallest units per contract
}

// LiquidationRequest is the JSON body for POST /liquidations.
type LiquidationRequest struct {
	Liquidator  string   `json:"liquidator"`
	Trader      string   `json:"trader"`
	Instruments []string `json:"instruments"`
	Quantities  []int64  `json:"quantities"`
}

// SettlementRequest is the JSON body for POST /settlements.
type SettlementRequest struct {
	SeriesID string `json:"series_id"`
	Account  string `json:"account"`
}

// RiskResponse is the account risk snapshot plus derived flags.
type RiskResponse struct {
	model.AccountRisk
	MarginRatioBps decimal.Decimal `json:"margin_ratio_bps"`
	Liquidatable   bool            `json:"liquidatable"`
}

// PositionEntry is one open instrument in a positions listing.
type PositionEntry struct {
	SeriesID string `json:"series_id"`
	Quantity int64  `json:"quantity"`
}

// --- Collateral handlers ---

// Deposit handles POST /api/v1/accounts/{account}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ledger.Deposit(r.Context(), account, req.Asset, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"claimable": s.ledger.Claimable(account, req.Asset),
	})
}

// Withdraw handles POST /api/v1/accounts/{account}/withdraw. The position
// engine gates the withdrawal on initial margin.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.positions.WithdrawCollateral(r.Context(), account, req.Asset, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"claimable": s.ledger.Claimable(account, req.Asset),
	})
}

// WithdrawPreview handles GET /api/v1/accounts/{account}/withdraw-preview.
func (s *Service) WithdrawPreview(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	asset := r.URL.Query().Get("asset")
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}
	pv, err := s.risk.PreviewWithdraw(account, asset, amount)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// SetYieldOptIn handles POST /api/v1/accounts/{account}/yield.
func (s *Service) SetYieldOptIn(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var req struct {
		OptIn bool `json:"opt_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.ledger.SetYieldOptIn(account, req.OptIn)
	writeJSON(w, http.StatusOK, map[string]bool{"opt_in": req.OptIn})
}

// StrategyMove handles POST /api/v1/accounts/{account}/strategy-move,
// shifting balance between idle and yield-strategy shares.
func (s *Service) StrategyMove(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	var req struct {
		Asset     string          `json:"asset"`
		Amount    decimal.Decimal `json:"amount"`
		Direction string          `json:"direction"` // "to_strategy" or "to_idle"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var err error
	switch req.Direction {
	case "to_strategy":
		err = s.ledger.MoveToStrategy(r.Context(), account, req.Asset, req.Amount)
	case "to_idle":
		err = s.ledger.MoveToIdle(r.Context(), account, req.Asset, req.Amount)
	default:
		writeError(w, "direction must be to_strategy or to_idle", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{
		"idle":   s.ledger.Idle(account, req.Asset),
		"shares": s.ledger.StrategyShares(account, req.Asset),
	})
}

// Balances handles GET /api/v1/accounts/{account}/balances.
func (s *Service) Balances(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, s.ledger.Balances(account))
}

// --- Risk handlers ---

// AccountRisk handles GET /api/v1/accounts/{account}/risk.
func (s *Service) AccountRisk(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	liquidatable, snapshot, err := s.risk.IsLiquidatable(account)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, RiskResponse{
		AccountRisk:    snapshot,
		MarginRatioBps: snapshot.MarginRatioBps(),
		Liquidatable:   liquidatable,
	})
}

// Positions handles GET /api/v1/accounts/{account}/positions with
// offset/limit paging over the open-instrument index.
func (s *Service) Positions(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 256 {
		limit = 64
	}
	ids := s.positions.OpenInstruments(account, offset, limit)
	entries := make([]PositionEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, PositionEntry{
			SeriesID: id,
			Quantity: s.positions.Quantity(account, id),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open_count": s.positions.OpenCount(account),
		"positions":  entries,
	})
}

// --- Engine operation handlers ---

// ApplyTrade handles POST /api/v1/trades.
func (s *Service) ApplyTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.positions.ApplyTrade(r.Context(), req.Buyer, req.Seller, req.SeriesID, req.Quantity, req.Price); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade",
			SeriesID: req.SeriesID,
			Buyer:    req.Buyer,
			Seller:   req.Seller,
			Quantity: req.Quantity,
			Price:    req.Price.String(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"series_id":  req.SeriesID,
		"buyer_qty":  s.positions.Quantity(req.Buyer, req.SeriesID),
		"seller_qty": s.positions.Quantity(req.Seller, req.SeriesID),
	})
}

// Liquidate handles POST /api/v1/liquidations.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.positions.Liquidate(r.Context(), req.Liquidator, req.Trader, req.Instruments, req.Quantities); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	snapshot, err := s.risk.ComputeAccountRisk(req.Trader)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:   "liquidation",
			Trader: req.Trader,
		})
	}
	writeJSON(w, http.StatusOK, RiskResponse{
		AccountRisk:    snapshot,
		MarginRatioBps: snapshot.MarginRatioBps(),
	})
}

// Settle handles POST /api/v1/settlements.
func (s *Service) Settle(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.positions.SettleAccount(r.Context(), req.SeriesID, req.Account); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "settlement",
			SeriesID: req.SeriesID,
			Account:  req.Account,
		})
	}
	writeJSON(w, http.StatusOK, s.positions.Accounting(req.SeriesID))
}

// --- Insurance handlers ---

// FundInsurance handles POST /api/v1/insurance/deposit.
func (s *Service) FundInsurance(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.positions.FundInsurance(r.Context(), req.Asset, req.Amount); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Balances(model.SystemInsuranceAccount))
}

// InsuranceBalances handles GET /api/v1/insurance.
func (s *Service) InsuranceBalances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Balances(model.SystemInsuranceAccount))
}

// --- Journal handlers ---

// JournalByAccount handles GET /api/v1/journal/accounts/{account}.
func (s *Service) JournalByAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	flows, err := s.journal.CashFlowsByAccount(r.Context(), account, limit)
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// JournalByRef handles GET /api/v1/journal/refs/{ref}.
func (s *Service) JournalByRef(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	flows, err := s.journal.CashFlowsByRef(r.Context(), ref)
	if err != nil {
		writeError(w, "failed to load journal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, flows)
}

// SettlementsBySeries handles GET /api/v1/series/{seriesID}/settlements.
func (s *Service) SettlementsBySeries(w http.ResponseWriter, r *http.Request) {
	seriesID := chi.URLParam(r, "seriesID")
	recs, err := s.journal.SettlementsBySeries(r.Context(), seriesID)
	if err != nil {
		writeError(w, "failed to load settlements", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// SeriesAccounting handles GET /api/v1/series/{seriesID}/accounting.
func (s *Service) SeriesAccounting(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.positions.Accounting(chi.URLParam(r, "seriesID")))
}

// --- Admin handlers ---

// PutSeries handles PUT /api/v1/admin/series (dev mode only). The body is
// either a full series object or {"ticker": "..."} in the
// {UNDERLYING}-{SETTLEMENT}-{YYYYMMDD}-{C|P}{STRIKE} shorthand.
func (s *Service) PutSeries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.Series
		Ticker string `json:"ticker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	series := req.Series
	if req.Ticker != "" {
		parsed, err := ticker.Parse(req.Ticker)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		series = parsed
	}
	if series.ID == "" {
		writeError(w, "series id is required", http.StatusBadRequest)
		return
	}
	if err := registry.ValidateSeries(series); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.catalog.Put(series)
	slog.Info("series stored", "id", series.ID, "underlying", series.Underlying)
	writeJSON(w, http.StatusCreated, series)
}

// SetSeriesActive handles POST /api/v1/admin/series/{seriesID}/active.
func (s *Service) SetSeriesActive(w http.ResponseWriter, r *http.Request) {
	seriesID := chi.URLParam(r, "seriesID")
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.catalog.SetActive(seriesID, req.Active); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

// FinalizeSeries handles POST /api/v1/admin/series/{seriesID}/finalize.
func (s *Service) FinalizeSeries(w http.ResponseWriter, r *http.Request) {
	seriesID := chi.URLParam(r, "seriesID")
	var req struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.catalog.Finalize(seriesID, req.Price); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"price": req.Price.String()})
}

// PutPrice handles PUT /api/v1/admin/prices (dev mode only).
func (s *Service) PutPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base  string          `json:"base"`
		Quote string          `json:"quote"`
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Base == "" || req.Quote == "" {
		writeError(w, "base and quote are required", http.StatusBadRequest)
		return
	}
	s.prices.SetPrice(req.Base, req.Quote, req.Price)
	writeJSON(w, http.StatusOK, map[string]string{"price": req.Price.String()})
}

// SetRiskParams handles POST /api/v1/admin/params. The owner key travels in
// the X-Owner-Key header; the risk engine enforces it.
func (s *Service) SetRiskParams(w http.ResponseWriter, r *http.Request) {
	var params risk.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.risk.SetParams(r.Header.Get("X-Owner-Key"), params); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s.risk.Params())
}

// SetUnderlyingRisk handles POST /api/v1/admin/underlyings/{underlying}.
func (s *Service) SetUnderlyingRisk(w http.ResponseWriter, r *http.Request) {
	underlying := chi.URLParam(r, "underlying")
	var cfg risk.UnderlyingRisk
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.risk.SetUnderlyingRisk(r.Header.Get("X-Owner-Key"), underlying, cfg); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SetAsset handles POST /api/v1/admin/assets.
func (s *Service) SetAsset(w http.ResponseWriter, r *http.Request) {
	var cfg model.AssetConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ledger.SetAsset(cfg); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Helpers ---

// statusFor maps engine error classes onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrBusy), errors.Is(err, position.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, registry.ErrSeriesNotFound):
		return http.StatusNotFound
	case errors.Is(err, risk.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, risk.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, position.ErrInsuranceInsufficient),
		errors.Is(err, position.ErrMarginBreach),
		errors.Is(err, position.ErrNotLiquidatable),
		errors.Is(err, position.ErrNotImproving),
		errors.Is(err, position.ErrAlreadySettled),
		errors.Is(err, position.ErrCloseOnly),
		errors.Is(err, position.ErrExpired),
		errors.Is(err, position.ErrNotExpired),
		errors.Is(err, registry.ErrNotFinalized),
		errors.Is(err, ledger.ErrStrategyInUse),
		errors.Is(err, exposure.ErrPerSeriesLimitExceeded),
		errors.Is(err, exposure.ErrUnderlyingLimitExceeded):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
