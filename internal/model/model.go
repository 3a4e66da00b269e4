// Package model defines the core domain types shared across the fight engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an executed trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Slot identifies which corner of the fight a participant occupies.
type Slot string

const (
	SlotA Slot = "A"
	SlotB Slot = "B"
)

// FightStatus is the lifecycle state of a fight.
type FightStatus string

const (
	StatusWaiting   FightStatus = "WAITING"
	StatusLive      FightStatus = "LIVE"
	StatusFinished  FightStatus = "FINISHED"
	StatusNoContest FightStatus = "NO_CONTEST"
	StatusCancelled FightStatus = "CANCELLED"
)

// SessionType distinguishes how a session row was produced.
type SessionType string

const (
	SessionJoin  SessionType = "join"
	SessionTrade SessionType = "trade"
)

// UnknownIP is the sentinel recorded when the client address could not be
// resolved. Sessions carrying it are ignored by IP-overlap analysis.
const UnknownIP = "unknown"

// Audit entry tags.
const (
	TagNoContest = "NO_CONTEST"
	TagFlagged   = "FLAGGED"
)

// Trade is an immutable record of one fill executed on the external
// exchange during a fight. Once recorded, trades are never modified or
// deleted; ordering by ExecutedAt is significant.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	FightID    string          `json:"fight_id" db:"fight_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       Side            `json:"side" db:"side"`
	Amount     decimal.Decimal `json:"amount" db:"amount"` // base units, positive
	Price      decimal.Decimal `json:"price" db:"price"`   // fill price, positive
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// Notional returns the trade's notional value: amount × price.
func (t Trade) Notional() decimal.Decimal {
	return t.Amount.Mul(t.Price)
}

// Position is the replayed state of one participant's holdings in a single
// symbol. Amount is signed (positive long, negative short); Notional is the
// non-negative cost-basis magnitude of whatever is open.
type Position struct {
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	Notional decimal.Decimal `json:"notional"`
}

// AvgEntry returns the average entry price of the open position,
// or zero when flat.
func (p Position) AvgEntry() decimal.Decimal {
	if p.Amount.IsZero() {
		return decimal.Zero
	}
	return p.Notional.Div(p.Amount.Abs())
}

// FightParticipant is one player's side of a fight.
type FightParticipant struct {
	FightID        string          `json:"fight_id" db:"fight_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Slot           Slot            `json:"slot" db:"slot"`
	Stake          decimal.Decimal `json:"stake" db:"stake"`
	HighWaterMark  decimal.Decimal `json:"high_water_mark" db:"high_water_mark"` // monotonically non-decreasing
	TradeCount     int             `json:"trade_count" db:"trade_count"`
	FinalScore     decimal.Decimal `json:"final_score" db:"final_score"` // supplied by the scoring pipeline
	ExternalTrades bool            `json:"external_trades" db:"external_trades"`
	JoinedAt       *time.Time      `json:"joined_at,omitempty" db:"joined_at"`
}

// Fight is a timed 1-on-1 trading competition. Exactly two participants
// once LIVE.
type Fight struct {
	ID          string          `json:"id" db:"id"`
	Status      FightStatus     `json:"status" db:"status"`
	Stake       decimal.Decimal `json:"stake" db:"stake"`
	DurationSec int64           `json:"duration_sec" db:"duration_sec"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	WinnerID    *string         `json:"winner_id,omitempty" db:"winner_id"`
	IsDraw      bool            `json:"is_draw" db:"is_draw"`
}

// Settled reports whether the fight has reached a terminal status.
func (f *Fight) Settled() bool {
	switch f.Status {
	case StatusFinished, StatusNoContest, StatusCancelled:
		return true
	}
	return false
}

// Session records the connection metadata observed when a player joined or
// traded in a fight. Fraud signal only; never used for capital math.
type Session struct {
	ID        string      `json:"id" db:"id"`
	FightID   string      `json:"fight_id" db:"fight_id"`
	UserID    string      `json:"user_id" db:"user_id"`
	IP        string      `json:"ip" db:"ip"`
	UserAgent string      `json:"user_agent" db:"user_agent"`
	Type      SessionType `json:"type" db:"type"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// AuditEntry records one fairness-rule violation discovered at settlement.
type AuditEntry struct {
	ID        string         `json:"id" db:"id"`
	FightID   string         `json:"fight_id" db:"fight_id"`
	Rule      string         `json:"rule" db:"rule"`
	Tag       string         `json:"tag" db:"tag"` // NO_CONTEST or FLAGGED
	Message   string         `json:"message" db:"message"`
	Meta      map[string]any `json:"meta,omitempty" db:"meta"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// IPOverlap is one prior fight in which both players of a pair produced
// sessions from at least one common IP.
type IPOverlap struct {
	FightID string   `json:"fight_id"`
	IPs     []string `json:"ips"`
}

// PairKey normalizes a user pair into an order-independent key, so that
// (a,b) and (b,a) always refer to the same matchup.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
