// Package fight provides the HTTP handlers for running fights: creation
// behind the matchmaking guard, joining, trade recording under the capital
// ceiling, and settlement through the fairness rule set.
//
// All monetary values use shopspring/decimal — never float64 for money.
package fight

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/capital"
	"github.com/arenax/fight-engine/internal/matchmaking"
	"github.com/arenax/fight-engine/internal/metrics"
	"github.com/arenax/fight-engine/internal/model"
	"github.com/arenax/fight-engine/internal/settle"
	"github.com/arenax/fight-engine/internal/store"
)

// Service handles fight operations. Trade recording is serialized with a
// mutex (single-instance); the watermark itself is additionally protected
// by the store's compare-and-set, so horizontal scaling degrades to
// at-least-correct rather than corrupt.
type Service struct {
	store store.Store
	guard *capital.Guard
	orch  *settle.Orchestrator
	match *matchmaking.Guard
	mu    sync.Mutex
	wsHub *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new fight service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, guard *capital.Guard, orch *settle.Orchestrator, match *matchmaking.Guard, hub *WSHub) *Service {
	return &Service{
		store: st,
		guard: guard,
		orch:  orch,
		match: match,
		wsHub: hub,
	}
}

// --- Request/Response types ---

// CreateFightRequest is the JSON body for fight creation.
type CreateFightRequest struct {
	UserA       string          `json:"user_a"`
	UserB       string          `json:"user_b"`
	Stake       decimal.Decimal `json:"stake"`
	DurationSec int64           `json:"duration_sec"`
}

// JoinRequest is the JSON body for joining a fight.
type JoinRequest struct {
	UserID string `json:"user_id"`
}

// OrderCheckRequest is the JSON body for the pre-order capital check.
type OrderCheckRequest struct {
	UserID string          `json:"user_id"`
	Symbol string          `json:"symbol"`
	Side   model.Side      `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// TradeRequest is the JSON body for recording an executed fill.
type TradeRequest struct {
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       model.Side      `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
}

// ResultRequest is the JSON body for reporting a participant's final score.
type ResultRequest struct {
	UserID         string          `json:"user_id"`
	FinalScore     decimal.Decimal `json:"final_score"`
	ExternalTrades bool            `json:"external_trades"`
}

// SettleRequest is the JSON body for settling a fight.
type SettleRequest struct {
	WinnerID *string `json:"winner_id"`
	IsDraw   bool    `json:"is_draw"`
}

// FightDetail is a fight with its participants.
type FightDetail struct {
	Fight        *model.Fight             `json:"fight"`
	Participants []model.FightParticipant `json:"participants"`
}

// OrderCheckResponse reports the capital verdict on a prospective order.
type OrderCheckResponse struct {
	Allowed bool                     `json:"allowed"`
	Capital *capital.View            `json:"capital"`
	Limit   *capital.StakeLimitError `json:"limit,omitempty"`
}

// TradeResponse is returned after a fill is recorded.
type TradeResponse struct {
	Trade   *model.Trade  `json:"trade"`
	Capital *capital.View `json:"capital"`
}

// --- HTTP Handlers ---

// CreateFight handles POST /api/v1/fights
func (s *Service) CreateFight(w http.ResponseWriter, r *http.Request) {
	var req CreateFightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserA == "" || req.UserB == "" {
		writeError(w, "user_a and user_b are required", http.StatusBadRequest)
		return
	}
	if req.Stake.Sign() <= 0 {
		writeError(w, "stake must be positive", http.StatusBadRequest)
		return
	}
	if req.DurationSec <= 0 {
		writeError(w, "duration_sec must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	verdict, err := s.match.Check(ctx, req.UserA, req.UserB)
	if err != nil {
		writeError(w, "matchmaking check failed", http.StatusInternalServerError)
		return
	}
	if !verdict.CanMatch {
		metrics.MatchmakingBlocks.Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(verdict)
		return
	}

	fight := &model.Fight{
		ID:          uuid.New().String(),
		Status:      model.StatusWaiting,
		Stake:       req.Stake,
		DurationSec: req.DurationSec,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateFight(ctx, fight); err != nil {
		writeError(w, "failed to create fight", http.StatusInternalServerError)
		return
	}

	participants := []model.FightParticipant{
		{FightID: fight.ID, UserID: req.UserA, Slot: model.SlotA, Stake: req.Stake},
		{FightID: fight.ID, UserID: req.UserB, Slot: model.SlotB, Stake: req.Stake},
	}
	for i := range participants {
		if err := s.store.AddParticipant(ctx, &participants[i]); err != nil {
			writeError(w, "failed to add participant", http.StatusInternalServerError)
			return
		}
	}

	slog.Info("fight created",
		"fight_id", fight.ID,
		"user_a", req.UserA,
		"user_b", req.UserB,
		"stake", req.Stake.String(),
		"duration_sec", req.DurationSec,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "fight_created",
			FightID: fight.ID,
			Status:  string(fight.Status),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(FightDetail{Fight: fight, Participants: participants})
}

// GetFight handles GET /api/v1/fights/{fightID}
func (s *Service) GetFight(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")
	ctx := r.Context()

	fight, err := s.store.GetFight(ctx, fightID)
	if err != nil {
		writeError(w, "fight not found", http.StatusNotFound)
		return
	}
	participants, err := s.store.GetParticipants(ctx, fightID)
	if err != nil {
		writeError(w, "failed to load participants", http.StatusInternalServerError)
		return
	}
	if participants == nil {
		participants = []model.FightParticipant{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FightDetail{Fight: fight, Participants: participants})
}

// JoinFight handles POST /api/v1/fights/{fightID}/join
// Both participants joining moves the fight to LIVE.
func (s *Service) JoinFight(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")

	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	fight, err := s.store.GetFight(ctx, fightID)
	if err != nil {
		writeError(w, "fight not found", http.StatusNotFound)
		return
	}
	if fight.Settled() {
		writeError(w, "fight already settled", http.StatusConflict)
		return
	}

	if err := s.store.MarkJoined(ctx, fightID, req.UserID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "user is not a fight participant", http.StatusNotFound)
			return
		}
		writeError(w, "failed to join fight", http.StatusInternalServerError)
		return
	}

	s.recordSession(ctx, r, fightID, req.UserID, model.SessionJoin)

	participants, err := s.store.GetParticipants(ctx, fightID)
	if err != nil {
		writeError(w, "failed to load participants", http.StatusInternalServerError)
		return
	}

	if fight.Status == model.StatusWaiting && allJoined(participants) {
		if err := s.store.UpdateFightStatus(ctx, fightID, model.StatusLive, nil, false); err != nil {
			writeError(w, "failed to start fight", http.StatusInternalServerError)
			return
		}
		metrics.LiveFights.Inc()
		slog.Info("fight live", "fight_id", fightID)

		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:    "fight_live",
				FightID: fightID,
				Status:  string(model.StatusLive),
			})
		}
		fight, err = s.store.GetFight(ctx, fightID)
		if err != nil {
			writeError(w, "failed to reload fight", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(FightDetail{Fight: fight, Participants: participants})
}

// CheckOrder handles POST /api/v1/fights/{fightID}/orders/check
// Validates a prospective order against the capital ceiling without
// recording anything.
func (s *Service) CheckOrder(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")

	var req OrderCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := validateOrder(req.UserID, req.Symbol, req.Side, req.Amount, req.Price); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	view, err := s.guard.CheckOrder(r.Context(), fightID, req.UserID, req.Symbol, req.Side, req.Amount, req.Price)
	if err != nil {
		var sle *capital.StakeLimitError
		if errors.As(err, &sle) {
			s.rejectOrder(w, fightID, req.UserID, req.Symbol, req.Side, req.Amount, view, sle)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "participant not found", http.StatusNotFound)
			return
		}
		writeError(w, "order check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OrderCheckResponse{Allowed: true, Capital: view})
}

// RecordTrade handles POST /api/v1/fights/{fightID}/trades
// Records an executed fill into the fight ledger, enforcing the capital
// ceiling on the fill's opening portion.
func (s *Service) RecordTrade(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := validateOrder(req.UserID, req.Symbol, req.Side, req.Amount, req.Price); msg != "" {
		writeError(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	fight, err := s.store.GetFight(ctx, fightID)
	if err != nil {
		writeError(w, "fight not found", http.StatusNotFound)
		return
	}
	if fight.Status != model.StatusLive {
		writeError(w, "fight is not live", http.StatusConflict)
		return
	}

	trade := &model.Trade{
		ID:      uuid.New().String(),
		FightID: fightID,
		UserID:  req.UserID,
		Symbol:  req.Symbol,
		Side:    req.Side,
		Amount:  req.Amount,
		Price:   req.Price,
	}
	if req.ExecutedAt != nil {
		trade.ExecutedAt = req.ExecutedAt.UTC()
	}

	// Serialize ledger appends: the ceiling check reads the ledger it is
	// about to extend.
	s.mu.Lock()
	view, err := s.guard.RecordTrade(ctx, trade)
	s.mu.Unlock()
	if err != nil {
		var sle *capital.StakeLimitError
		if errors.As(err, &sle) {
			s.rejectOrder(w, fightID, req.UserID, req.Symbol, req.Side, req.Amount, view, sle)
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "participant not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to record trade", http.StatusInternalServerError)
		return
	}

	s.recordSession(ctx, r, fightID, req.UserID, model.SessionTrade)
	metrics.TradesRecorded.WithLabelValues(string(req.Side)).Inc()

	slog.Info("trade recorded",
		"trade_id", trade.ID,
		"fight_id", fightID,
		"user", req.UserID,
		"symbol", req.Symbol,
		"side", string(req.Side),
		"amount", req.Amount.String(),
		"price", req.Price.String(),
		"exposure", view.CurrentExposure.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "trade_recorded",
			FightID: fightID,
			UserID:  req.UserID,
			Symbol:  req.Symbol,
			Side:    string(req.Side),
			Amount:  req.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TradeResponse{Trade: trade, Capital: view})
}

// ListTrades handles GET /api/v1/fights/{fightID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")

	trades, err := s.store.GetTradesByFight(r.Context(), fightID)
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetCapital handles GET /api/v1/fights/{fightID}/capital/{userID}
func (s *Service) GetCapital(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")
	userID := chi.URLParam(r, "userID")

	view, err := s.guard.Capital(r.Context(), fightID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "participant not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to compute capital", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// SubmitResult handles POST /api/v1/fights/{fightID}/result
// Stores a participant's externally computed final score ahead of
// settlement.
func (s *Service) SubmitResult(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")

	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.UpdateParticipantResult(ctx, fightID, req.UserID, req.FinalScore, req.ExternalTrades); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "participant not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to store result", http.StatusInternalServerError)
		return
	}

	p, err := s.store.GetParticipant(ctx, fightID, req.UserID)
	if err != nil {
		writeError(w, "failed to reload participant", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// SettleFight handles POST /api/v1/fights/{fightID}/settle
// Runs the fairness rule set and writes the authoritative final status.
func (s *Service) SettleFight(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if req.WinnerID != nil {
		if _, err := s.store.GetParticipant(ctx, fightID, *req.WinnerID); err != nil {
			writeError(w, "winner_id is not a fight participant", http.StatusBadRequest)
			return
		}
	}

	decision, err := s.orch.Settle(ctx, fightID, settle.Outcome{WinnerID: req.WinnerID, IsDraw: req.IsDraw})
	if err != nil {
		switch {
		case errors.Is(err, settle.ErrFightNotFound):
			writeError(w, "fight not found", http.StatusNotFound)
		case errors.Is(err, settle.ErrAlreadySettled):
			writeError(w, "fight already settled", http.StatusConflict)
		default:
			writeError(w, "settlement failed", http.StatusInternalServerError)
		}
		return
	}

	metrics.SettlementsTotal.WithLabelValues(string(decision.FinalStatus)).Inc()
	for _, res := range decision.Results {
		metrics.RuleOutcomesTotal.WithLabelValues(res.Rule, string(res.Outcome)).Inc()
	}
	if fight, err := s.store.GetFight(ctx, fightID); err == nil && fight.StartedAt != nil {
		metrics.LiveFights.Dec()
	}

	if s.wsHub != nil {
		winner := ""
		if decision.WinnerID != nil {
			winner = *decision.WinnerID
		}
		s.wsHub.Broadcast(WSMessage{
			Type:     "fight_settled",
			FightID:  fightID,
			Status:   string(decision.FinalStatus),
			WinnerID: winner,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

// ListViolations handles GET /api/v1/fights/{fightID}/violations
// Returns the fight's fairness audit trail.
func (s *Service) ListViolations(w http.ResponseWriter, r *http.Request) {
	fightID := chi.URLParam(r, "fightID")

	entries, err := s.store.GetAuditEntriesByFight(r.Context(), fightID)
	if err != nil {
		writeError(w, "failed to list violations", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// CheckMatchmaking handles GET /api/v1/matchmaking/check?user_a=X&user_b=Y
func (s *Service) CheckMatchmaking(w http.ResponseWriter, r *http.Request) {
	userA := r.URL.Query().Get("user_a")
	userB := r.URL.Query().Get("user_b")
	if userA == "" || userB == "" {
		writeError(w, "user_a and user_b are required", http.StatusBadRequest)
		return
	}

	verdict, err := s.match.Check(r.Context(), userA, userB)
	if err != nil {
		writeError(w, "matchmaking check failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(verdict)
}

// --- Helpers ---

// rejectOrder writes the 409 stake-limit response and emits the rejection
// side effects shared by the check and record paths.
func (s *Service) rejectOrder(w http.ResponseWriter, fightID, userID, symbol string, side model.Side, amount decimal.Decimal, view *capital.View, sle *capital.StakeLimitError) {
	metrics.StakeLimitRejections.Inc()

	slog.Info("order rejected by stake ceiling",
		"fight_id", fightID,
		"user", userID,
		"symbol", symbol,
		"side", string(side),
		"amount", amount.String(),
		"available", sle.Available.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "order_rejected",
			FightID: fightID,
			UserID:  userID,
			Symbol:  symbol,
			Side:    string(side),
			Amount:  amount.String(),
			Detail:  "stake limit exceeded",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(OrderCheckResponse{Allowed: false, Capital: view, Limit: sle})
}

func (s *Service) recordSession(ctx context.Context, r *http.Request, fightID, userID string, typ model.SessionType) {
	sess := &model.Session{
		ID:        uuid.New().String(),
		FightID:   fightID,
		UserID:    userID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
	// Sessions are fraud signals, not the critical path: log and move on.
	if err := s.store.InsertSession(ctx, sess); err != nil {
		slog.Warn("session record failed", "fight_id", fightID, "user", userID, "error", err)
	}
}

// clientIP extracts the caller's address. Behind chi's RealIP middleware
// RemoteAddr already carries the forwarded client address.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return model.UnknownIP
	}
	return addr
}

func allJoined(participants []model.FightParticipant) bool {
	if len(participants) < 2 {
		return false
	}
	for _, p := range participants {
		if p.JoinedAt == nil {
			return false
		}
	}
	return true
}

func validateOrder(userID, symbol string, side model.Side, amount, price decimal.Decimal) string {
	if userID == "" {
		return "user_id is required"
	}
	if symbol == "" {
		return "symbol is required"
	}
	if side != model.SideBuy && side != model.SideSell {
		return "side must be BUY or SELL"
	}
	if amount.Sign() <= 0 {
		return "amount must be positive"
	}
	if price.Sign() <= 0 {
		return "price must be positive"
	}
	return ""
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
