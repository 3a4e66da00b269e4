// Package capital enforces the per-fight stake ceiling: a participant's
// trading is capped by the stake they brought, with freed capital reusable
// but never expanding the total beyond the stake.
//
// The ceiling is tracked through a high-water mark of peak exposure rather
// than a cash balance, because fills execute on an external exchange and
// only their history is visible here.
//
// All monetary values use shopspring/decimal — never float64 for money.
package capital

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/exposure"
	"github.com/arenax/fight-engine/internal/model"
	"github.com/arenax/fight-engine/internal/store"
)

// StakeLimitError is returned when an order's notional would push the
// participant's total exposure past the available capital. It carries the
// full arithmetic so callers can surface an actionable rejection.
type StakeLimitError struct {
	Stake           decimal.Decimal `json:"stake"`
	CurrentExposure decimal.Decimal `json:"current_exposure"`
	OrderNotional   decimal.Decimal `json:"order_notional"`
	TotalExposure   decimal.Decimal `json:"total_exposure"`
	Available       decimal.Decimal `json:"available"`
}

func (e *StakeLimitError) Error() string {
	return fmt.Sprintf("capital: stake limit exceeded: total exposure %s > available %s (stake %s, current %s, order %s)",
		e.TotalExposure, e.Available, e.Stake, e.CurrentExposure, e.OrderNotional)
}

// Available computes the capital a participant may still deploy:
//
//	available = max(0, stake − highWaterMark + currentExposure)
//
// clamped to [0, stake]. Capital already open counts once against the
// ceiling (it is included in both the watermark and current exposure);
// capital freed by closing stays consumed up to the watermark.
func Available(stake, highWaterMark, currentExposure decimal.Decimal) decimal.Decimal {
	avail := stake.Sub(highWaterMark).Add(currentExposure)
	if avail.Sign() < 0 {
		return decimal.Zero
	}
	if avail.GreaterThan(stake) {
		return stake
	}
	return avail
}

// CheckOrder validates prospective opening notional against the ceiling:
// the capital an order would newly commit, after any closing portion is
// split off (see exposure.OpeningNotional). The order passes when
// currentExposure + orderNotional stays within Available; otherwise a
// *StakeLimitError describes the violation. Boundary inclusive: an order
// landing exactly on the available capital passes, and a pure close
// (zero opening notional) always passes.
func CheckOrder(stake, highWaterMark, currentExposure, orderNotional decimal.Decimal) error {
	avail := Available(stake, highWaterMark, currentExposure)
	total := currentExposure.Add(orderNotional)
	if total.GreaterThan(avail) {
		return &StakeLimitError{
			Stake:           stake,
			CurrentExposure: currentExposure,
			OrderNotional:   orderNotional,
			TotalExposure:   total,
			Available:       avail,
		}
	}
	return nil
}

// View is the full capital picture for one participant, derived from the
// stored watermark and a fresh trade replay. OpeningNotional is diagnostic
// only; the gate runs on Available.
type View struct {
	FightID         string                    `json:"fight_id"`
	UserID          string                    `json:"user_id"`
	Stake           decimal.Decimal           `json:"stake"`
	HighWaterMark   decimal.Decimal           `json:"high_water_mark"`
	CurrentExposure decimal.Decimal           `json:"current_exposure"`
	OpeningNotional decimal.Decimal           `json:"opening_notional"`
	Available       decimal.Decimal           `json:"available"`
	Positions       map[string]model.Position `json:"positions"`
}

// Guard is the store-backed ceiling enforcer. It replays the participant's
// trade history on every check so the decision always reflects the
// authoritative ledger, never a cached position.
type Guard struct {
	store store.Store
}

// NewGuard creates a capital guard over the given store.
func NewGuard(st store.Store) *Guard {
	return &Guard{store: st}
}

// Capital returns the participant's current capital view.
func (g *Guard) Capital(ctx context.Context, fightID, userID string) (*View, error) {
	p, err := g.store.GetParticipant(ctx, fightID, userID)
	if err != nil {
		return nil, fmt.Errorf("capital: load participant: %w", err)
	}
	trades, err := g.store.GetTradesByParticipant(ctx, fightID, userID)
	if err != nil {
		return nil, fmt.Errorf("capital: load trades: %w", err)
	}
	return g.view(p, exposure.Replay(trades)), nil
}

// CheckOrder validates a prospective order against the ceiling and returns
// the capital view it was judged against. The order is resolved against the
// participant's current position in that symbol, so only the capital it
// would newly commit is gated: closing size passes freely. A
// *StakeLimitError is returned alongside the view when the order would
// breach the ceiling; nothing is mutated either way.
func (g *Guard) CheckOrder(ctx context.Context, fightID, userID, symbol string, side model.Side, amount, price decimal.Decimal) (*View, error) {
	v, err := g.Capital(ctx, fightID, userID)
	if err != nil {
		return nil, err
	}
	opening := exposure.OpeningNotional(v.Positions[symbol], side, amount, price)
	if err := CheckOrder(v.Stake, v.HighWaterMark, v.CurrentExposure, opening); err != nil {
		return v, err
	}
	return v, nil
}

// RecordTrade applies one executed fill: the ceiling check runs against the
// fill's opening portion first, the trade is appended to the ledger,
// exposure is recomputed, and the watermark is advanced through the store's
// monotonic compare-and-set. A fill that only closes existing size is never
// rejected. On a ceiling violation nothing is written.
func (g *Guard) RecordTrade(ctx context.Context, t *model.Trade) (*View, error) {
	p, err := g.store.GetParticipant(ctx, t.FightID, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("capital: load participant: %w", err)
	}
	trades, err := g.store.GetTradesByParticipant(ctx, t.FightID, t.UserID)
	if err != nil {
		return nil, fmt.Errorf("capital: load trades: %w", err)
	}

	before := exposure.Replay(trades)
	opening := exposure.OpeningNotional(before.Positions[t.Symbol], t.Side, t.Amount, t.Price)
	if err := CheckOrder(p.Stake, p.HighWaterMark, before.CurrentExposure, opening); err != nil {
		return g.view(p, before), err
	}

	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now().UTC()
	}
	if err := g.store.InsertTrade(ctx, t); err != nil {
		return nil, fmt.Errorf("capital: insert trade: %w", err)
	}

	after := exposure.Replay(append(trades, *t))
	if after.CurrentExposure.GreaterThan(p.HighWaterMark) {
		// Monotonic CAS: concurrent writers race safely, the higher
		// watermark wins and stale writes are dropped by the store.
		if err := g.store.UpdateHighWaterMark(ctx, t.FightID, t.UserID, after.CurrentExposure); err != nil {
			return nil, fmt.Errorf("capital: advance watermark: %w", err)
		}
		p.HighWaterMark = after.CurrentExposure
	}

	return g.view(p, after), nil
}

func (g *Guard) view(p *model.FightParticipant, snap exposure.Snapshot) *View {
	return &View{
		FightID:         p.FightID,
		UserID:          p.UserID,
		Stake:           p.Stake,
		HighWaterMark:   p.HighWaterMark,
		CurrentExposure: snap.CurrentExposure,
		OpeningNotional: snap.OpeningNotional,
		Available:       Available(p.Stake, p.HighWaterMark, snap.CurrentExposure),
		Positions:       snap.Positions,
	}
}
