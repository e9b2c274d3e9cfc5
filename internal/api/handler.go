// Package api provides the HTTP surface of the lifecycle engine: signal
// ingress, the admin read model, and the WebSocket event stream.
//
// All monetary values use shopspring/decimal. Never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/lifecycle-engine/internal/lifecycle"
	"github.com/atmx/lifecycle-engine/internal/market"
	"github.com/atmx/lifecycle-engine/internal/model"
	"github.com/atmx/lifecycle-engine/internal/store"
)

// Submitter runs a signal through the lifecycle.
type Submitter interface {
	Submit(ctx context.Context, sig model.Signal) (*lifecycle.Result, error)
}

// PriceSetter moves the mark price of a simulated venue.
type PriceSetter interface {
	SetPrice(symbol string, price decimal.Decimal) error
}

// Handler serves the HTTP API.
type Handler struct {
	engine    Submitter
	store     store.Store
	sentiment lifecycle.SentimentReader
	prices    PriceSetter // nil outside paper mode
	limiter   *UserLimiter
	logger    *zap.Logger
}

// Deps groups the collaborators of a Handler.
type Deps struct {
	Engine    Submitter
	Store     store.Store
	Sentiment lifecycle.SentimentReader
	Prices    PriceSetter
	Limiter   *UserLimiter
	Logger    *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:    deps.Engine,
		store:     deps.Store,
		sentiment: deps.Sentiment,
		prices:    deps.Prices,
		limiter:   deps.Limiter,
		logger:    logger,
	}
}

// Routes registers the REST endpoints on r. Mount it under /api/v1; the
// WebSocket stream is mounted separately.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/signals", h.SubmitSignal)
	r.Get("/positions/{positionID}", h.GetPosition)
	r.Get("/positions/{positionID}/ledger", h.GetPositionLedger)
	r.Get("/users/{userID}/positions", h.ListPositions)
	r.Get("/users/{userID}/ledger", h.ListLedger)
	r.Get("/users/{userID}/cooldowns", h.ListCooldowns)
	r.Get("/users/{userID}/balances", h.ListBalances)
	r.Get("/users/{userID}/signals", h.ListSignals)
	r.Post("/users/{userID}/deposits", h.Deposit)
	r.Put("/users/{userID}/profile", h.PutProfile)
	r.Put("/users/{userID}/referral", h.PutReferral)
	r.Put("/affiliates/{affiliateID}", h.PutAffiliate)
	r.Get("/affiliates/{affiliateID}", h.GetAffiliate)
	r.Get("/sentiment", h.GetSentiment)
	if h.prices != nil {
		r.Post("/prices/{symbol}", h.SetPrice)
	}
}

// --- Request/Response types ---

// SignalRequest is the JSON body for POST /signals.
type SignalRequest struct {
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Direction model.Direction `json:"direction"` // LONG, SHORT, CLOSE_LONG, CLOSE_SHORT
	Price     decimal.Decimal `json:"price"`
	Timestamp *time.Time      `json:"timestamp,omitempty"` // receipt time; defaults to now
}

// AffiliateRequest is the JSON body for PUT /affiliates/{affiliateID}.
// A zero commission rate selects the tier's default.
type AffiliateRequest struct {
	Tier           model.Tier      `json:"tier"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// ReferralRequest is the JSON body for PUT /users/{userID}/referral.
type ReferralRequest struct {
	AffiliateID string `json:"affiliate_id"`
}

// DepositRequest is the JSON body for POST /users/{userID}/deposits.
type DepositRequest struct {
	Asset   string          `json:"asset"`
	Channel model.Channel   `json:"channel"`
	Amount  decimal.Decimal `json:"amount"`
}

// PriceRequest is the JSON body for POST /prices/{symbol}.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SentimentResponse is returned from GET /sentiment.
type SentimentResponse struct {
	model.SentimentReading
	Zone model.Zone `json:"zone"`
}

// --- HTTP Handlers ---

// SubmitSignal handles POST /api/v1/signals. Admitted signals return 201,
// rejections 422 with the typed reason in the body.
func (h *Handler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !h.limiter.Allow(req.UserID) {
		writeError(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	sig := model.Signal{
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Direction:   req.Direction,
		SourcePrice: req.Price,
	}
	if req.Timestamp != nil {
		sig.ReceivedAt = req.Timestamp.UTC()
	}

	res, err := h.engine.Submit(r.Context(), sig)
	if errors.Is(err, lifecycle.ErrInvalidSignal) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("signal processing failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, "signal could not be processed", http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if !res.Outcome.Admitted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.store.GetPosition(r.Context(), chi.URLParam(r, "positionID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.readFailed(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPositionLedger handles GET /api/v1/positions/{positionID}/ledger
func (h *Handler) GetPositionLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.GetLedgerEntriesByPosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		h.readFailed(w, "ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// ListPositions handles GET /api/v1/users/{userID}/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ListUserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.readFailed(w, "positions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

// ListLedger handles GET /api/v1/users/{userID}/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.GetLedgerEntriesByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.readFailed(w, "ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// ListCooldowns handles GET /api/v1/users/{userID}/cooldowns
func (h *Handler) ListCooldowns(w http.ResponseWriter, r *http.Request) {
	cooldowns, err := h.store.ListCooldowns(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.readFailed(w, "cooldowns", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cooldowns))
}

// ListBalances handles GET /api/v1/users/{userID}/balances
func (h *Handler) ListBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.store.ListBalances(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.readFailed(w, "balances", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(balances))
}

// ListSignals handles GET /api/v1/users/{userID}/signals
func (h *Handler) ListSignals(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListSignals(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.readFailed(w, "signals", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// Deposit handles POST /api/v1/users/{userID}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Asset == "" {
		writeError(w, "asset is required", http.StatusBadRequest)
		return
	}
	if req.Channel == "" {
		req.Channel = model.ChannelReal
	}
	if !req.Channel.Valid() {
		writeError(w, "channel must be REAL or BONUS", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := h.store.Deposit(ctx, userID, req.Asset, req.Channel, req.Amount); err != nil {
		h.logger.Error("deposit failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, "deposit failed", http.StatusInternalServerError)
		return
	}
	bal, err := h.store.GetBalance(ctx, userID, req.Asset, req.Channel)
	if err != nil {
		h.readFailed(w, "balance", err)
		return
	}
	h.logger.Info("deposit credited",
		zap.String("user_id", userID),
		zap.String("asset", req.Asset),
		zap.String("channel", string(req.Channel)),
		zap.Stringer("amount", req.Amount),
	)
	writeJSON(w, http.StatusCreated, bal)
}

// PutProfile handles PUT /api/v1/users/{userID}/profile
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	var p model.RiskProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p.UserID = chi.URLParam(r, "userID")
	if !p.RiskPercentPerTrade.IsPositive() || p.RiskPercentPerTrade.GreaterThan(decimal.NewFromInt(1)) {
		writeError(w, "risk_percent_per_trade must be within (0, 1]", http.StatusBadRequest)
		return
	}
	p = p.Normalize()
	if err := h.store.PutRiskProfile(r.Context(), &p); err != nil {
		h.logger.Error("profile update failed", zap.String("user_id", p.UserID), zap.Error(err))
		writeError(w, "profile update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutAffiliate handles PUT /api/v1/affiliates/{affiliateID}. The accrued
// total is owned by settlement and is not writable here.
func (h *Handler) PutAffiliate(w http.ResponseWriter, r *http.Request) {
	var req AffiliateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		req.Tier = model.TierStandard
	}
	if !req.Tier.Valid() {
		writeError(w, "tier must be STANDARD or VIP", http.StatusBadRequest)
		return
	}
	if req.CommissionRate.IsNegative() || req.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		writeError(w, "commission_rate must be within [0, 1]", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	affiliateID := chi.URLParam(r, "affiliateID")
	err := h.store.PutAffiliate(ctx, &model.AffiliateAccount{
		UserID:         affiliateID,
		Tier:           req.Tier,
		CommissionRate: req.CommissionRate,
	})
	if err != nil {
		h.logger.Error("affiliate update failed", zap.String("affiliate_id", affiliateID), zap.Error(err))
		writeError(w, "affiliate update failed", http.StatusInternalServerError)
		return
	}
	acct, err := h.store.GetAffiliate(ctx, affiliateID)
	if err != nil {
		h.readFailed(w, "affiliate", err)
		return
	}
	h.logger.Info("affiliate registered",
		zap.String("affiliate_id", affiliateID),
		zap.String("tier", string(acct.Tier)),
		zap.Stringer("commission_rate", acct.CommissionRate),
	)
	writeJSON(w, http.StatusOK, acct)
}

// GetAffiliate handles GET /api/v1/affiliates/{affiliateID}
func (h *Handler) GetAffiliate(w http.ResponseWriter, r *http.Request) {
	acct, err := h.store.GetAffiliate(r.Context(), chi.URLParam(r, "affiliateID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "affiliate not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.readFailed(w, "affiliate", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// PutReferral handles PUT /api/v1/users/{userID}/referral
func (h *Handler) PutReferral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ref := model.Referral{UserID: chi.URLParam(r, "userID"), AffiliateID: req.AffiliateID}
	if ref.AffiliateID == "" {
		writeError(w, "affiliate_id is required", http.StatusBadRequest)
		return
	}
	if ref.AffiliateID == ref.UserID {
		writeError(w, "a user cannot refer themselves", http.StatusBadRequest)
		return
	}

	err := h.store.PutReferral(r.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "affiliate not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("referral update failed", zap.String("user_id", ref.UserID), zap.Error(err))
		writeError(w, "referral update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// GetSentiment handles GET /api/v1/sentiment
func (h *Handler) GetSentiment(w http.ResponseWriter, r *http.Request) {
	reading, zone := h.sentiment.Current()
	writeJSON(w, http.StatusOK, SentimentResponse{SentimentReading: reading, Zone: zone})
}

// SetPrice handles POST /api/v1/prices/{symbol} in paper mode.
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	sym, err := market.ParseSymbol(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.prices.SetPrice(sym.Ticker, req.Price); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": sym.Ticker, "price": req.Price})
}

func (h *Handler) readFailed(w http.ResponseWriter, what string, err error) {
	h.logger.Error("read failed", zap.String("resource", what), zap.Error(err))
	writeError(w, "failed to load "+what, http.StatusInternalServerError)
}

// nonNil keeps empty collections encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
