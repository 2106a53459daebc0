// Package api exposes the engine over HTTP.
//
// Mutating routes act on behalf of the authenticated caller; the caller is
// never taken from the request body. Amounts and scores travel as decimal
// strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/engine"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/parlay"
	"github.com/aurapoints/aura-engine/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBodyBytes = 1 << 20
)

// Service handles the HTTP surface of the engine.
type Service struct {
	eng *engine.Engine
	log *slog.Logger
}

// NewService creates a new API service.
func NewService(eng *engine.Engine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{eng: eng, log: log}
}

// Routes mounts every endpoint on r. auth establishes the caller.
func (s *Service) Routes(r chi.Router, auth Authenticator) {
	r.Use(auth.Middleware)

	// Reads.
	r.Get("/entities", s.ListQuotes)
	r.Get("/entities/{entityID}/quote", s.GetQuote)
	r.Get("/entities/{entityID}/stats", s.GetStats)
	r.Get("/entities/{entityID}/scores", s.GetScoreHistory)
	r.Get("/entities/{entityID}/trades", s.GetEntityTrades)
	r.Get("/accounts/{account}/balance", s.GetBalance)
	r.Get("/accounts/{account}/allowance", s.GetAllowance)
	r.Get("/accounts/{account}/portfolio", s.GetPortfolio)
	r.Get("/accounts/{account}/trades", s.GetHolderTrades)
	r.Get("/accounts/{account}/shares/{entityID}", s.GetShares)
	r.Get("/parlays", s.ListParlays)
	r.Get("/parlays/{parlayID}", s.GetParlay)
	r.Get("/supply", s.GetSupply)
	r.Get("/audit", s.GetAudit)

	// Writes.
	r.Group(func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/oracle/scores", s.UpdateScore)
		r.Post("/trades/buy", s.Buy)
		r.Post("/trades/sell", s.Sell)
		r.Post("/parlays", s.CreateParlay)
		r.Post("/parlays/{parlayID}/resolve", s.ResolveParlay)
		r.Post("/tokens/transfer", s.Transfer)
		r.Post("/tokens/approve", s.Approve)
		r.Post("/tokens/transfer-from", s.TransferFrom)
		r.Post("/tokens/mint", s.Mint)
		r.Post("/tokens/burn", s.Burn)
	})
}

// --- Request types ---

type ScoreRequest struct {
	EntityID string      `json:"entity_id"`
	Score    fixed.Score `json:"score"`
}

type TradeRequest struct {
	EntityID string       `json:"entity_id"`
	Shares   fixed.Amount `json:"shares"`
}

type ParlayRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Legs        []model.Leg  `json:"legs"`
	Stake       fixed.Amount `json:"stake"`
}

// TokenRequest covers every token operation; unused fields are ignored.
type TokenRequest struct {
	Owner   string       `json:"owner,omitempty"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Spender string       `json:"spender,omitempty"`
	Amount  fixed.Amount `json:"amount"`
}

// --- Write handlers ---

// UpdateScore handles POST /api/v1/oracle/scores
func (s *Service) UpdateScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	change, err := s.eng.UpdateScore(r.Context(), caller, req.EntityID, req.Score)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// Buy handles POST /api/v1/trades/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	tr, err := s.eng.Buy(r.Context(), caller, req.EntityID, req.Shares)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// Sell handles POST /api/v1/trades/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	tr, err := s.eng.Sell(r.Context(), caller, req.EntityID, req.Shares)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// CreateParlay handles POST /api/v1/parlays
func (s *Service) CreateParlay(w http.ResponseWriter, r *http.Request) {
	var req ParlayRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	p, err := s.eng.CreateParlay(r.Context(), parlay.CreateRequest{
		Owner:       caller,
		Name:        req.Name,
		Description: req.Description,
		Legs:        req.Legs,
		Stake:       req.Stake,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ResolveParlay handles POST /api/v1/parlays/{parlayID}/resolve
func (s *Service) ResolveParlay(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	p, err := s.eng.ResolveParlay(r.Context(), caller, chi.URLParam(r, "parlayID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Transfer handles POST /api/v1/tokens/transfer
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	s.token(w, r, func(caller string, req TokenRequest) error {
		return s.eng.Transfer(r.Context(), caller, req.To, req.Amount)
	})
}

// Approve handles POST /api/v1/tokens/approve
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	s.token(w, r, func(caller string, req TokenRequest) error {
		return s.eng.Approve(r.Context(), caller, req.Spender, req.Amount)
	})
}

// TransferFrom handles POST /api/v1/tokens/transfer-from
func (s *Service) TransferFrom(w http.ResponseWriter, r *http.Request) {
	s.token(w, r, func(caller string, req TokenRequest) error {
		return s.eng.TransferFrom(r.Context(), caller, req.Owner, req.To, req.Amount)
	})
}

// Mint handles POST /api/v1/tokens/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	s.token(w, r, func(caller string, req TokenRequest) error {
		return s.eng.Mint(r.Context(), caller, req.To, req.Amount)
	})
}

// Burn handles POST /api/v1/tokens/burn. From defaults to the caller.
func (s *Service) Burn(w http.ResponseWriter, r *http.Request) {
	s.token(w, r, func(caller string, req TokenRequest) error {
		from := req.From
		if from == "" {
			from = caller
		}
		return s.eng.Burn(r.Context(), caller, from, req.Amount)
	})
}

func (s *Service) token(w http.ResponseWriter, r *http.Request, op func(caller string, req TokenRequest) error) {
	var req TokenRequest
	if !decode(w, r, &req) {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if err := op(caller, req); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Read handlers ---

// ListQuotes handles GET /api/v1/entities
func (s *Service) ListQuotes(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.eng.Quotes(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if quotes == nil {
		quotes = []model.Quote{}
	}
	writeJSON(w, http.StatusOK, quotes)
}

// GetQuote handles GET /api/v1/entities/{entityID}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.eng.Quote(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetStats handles GET /api/v1/entities/{entityID}/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.Stats(r.Context(), chi.URLParam(r, "entityID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetScoreHistory handles GET /api/v1/entities/{entityID}/scores
func (s *Service) GetScoreHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	hist, err := s.eng.ScoreHistory(r.Context(), chi.URLParam(r, "entityID"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if hist == nil {
		hist = []model.ScoreChange{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// GetEntityTrades handles GET /api/v1/entities/{entityID}/trades
func (s *Service) GetEntityTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.eng.TradesByEntity(r.Context(), chi.URLParam(r, "entityID"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetBalance handles GET /api/v1/accounts/{account}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct := chi.URLParam(r, "account")
	bal, err := s.eng.BalanceOf(r.Context(), acct)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct, "balance": bal})
}

// GetAllowance handles GET /api/v1/accounts/{account}/allowance?spender=
func (s *Service) GetAllowance(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "account")
	spender := r.URL.Query().Get("spender")
	if spender == "" {
		writeError(w, "spender is required", http.StatusBadRequest)
		return
	}
	allowance, err := s.eng.Allowance(r.Context(), owner, spender)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "spender": spender, "allowance": allowance})
}

// GetPortfolio handles GET /api/v1/accounts/{account}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.eng.Portfolio(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetHolderTrades handles GET /api/v1/accounts/{account}/trades
func (s *Service) GetHolderTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.eng.TradesByHolder(r.Context(), chi.URLParam(r, "account"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetShares handles GET /api/v1/accounts/{account}/shares/{entityID}
func (s *Service) GetShares(w http.ResponseWriter, r *http.Request) {
	acct, entityID := chi.URLParam(r, "account"), chi.URLParam(r, "entityID")
	shares, err := s.eng.Shares(r.Context(), entityID, acct)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acct, "entity_id": entityID, "shares": shares})
}

// ListParlays handles GET /api/v1/parlays?owner=&status=&limit=&offset=
// Results are newest first.
func (s *Service) ListParlays(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", http.StatusBadRequest)
			return
		}
		offset = n
	}
	filter := store.ParlayFilter{
		Owner:  r.URL.Query().Get("owner"),
		Status: model.ParlayStatus(r.URL.Query().Get("status")),
		Offset: offset,
		Limit:  limit,
	}
	switch filter.Status {
	case "", model.StatusActive, model.StatusWon, model.StatusLost:
	default:
		writeError(w, "status must be active, won or lost", http.StatusBadRequest)
		return
	}
	ps, err := s.eng.Parlays(r.Context(), filter)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if ps == nil {
		ps = []model.Parlay{}
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetParlay handles GET /api/v1/parlays/{parlayID}
func (s *Service) GetParlay(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.Parlay(r.Context(), chi.URLParam(r, "parlayID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetSupply handles GET /api/v1/supply
func (s *Service) GetSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := s.eng.TotalSupply(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_supply": supply})
}

// GetAudit handles GET /api/v1/audit
func (s *Service) GetAudit(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.Audit(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rep)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return min(n, maxLimit), true
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAlreadyResolved), errors.Is(err, apperr.ErrNotYetResolvable):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrInsufficientFunds), errors.Is(err, apperr.ErrInsufficientShares):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) writeErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
		writeErrorKind(w, "internal error", "internal", status)
		return
	}
	writeErrorKind(w, err.Error(), apperr.Kind(err), status)
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

func writeErrorKind(w http.ResponseWriter, message, kind string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
