// Package exposure implements deterministic trade replay for fight
// participants: a pure fold over a trade history that produces per-symbol
// position state, current exposure, and the cumulative notional committed
// to opening positions.
//
// Replay is side-effect free: a fixed input always yields the same output,
// regardless of when or how often it runs. Position state is never stored;
// it is always recomputed from the immutable trade history.
//
// All monetary values use shopspring/decimal — never float64 for money.
package exposure

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/model"
)

// DustThreshold is the |amount| below which a position is treated as flat.
// Fully closed positions can carry sub-dust residue from average-entry
// rounding; such symbols contribute nothing to exposure.
var DustThreshold = decimal.New(1, -7) // 1e-7

// Snapshot is the result of replaying one participant's trades.
type Snapshot struct {
	// Positions maps symbol → replayed position state.
	Positions map[string]model.Position

	// CurrentExposure is Σ |notional| over positions above the dust
	// threshold: the capital currently tied up in open positions.
	CurrentExposure decimal.Decimal

	// OpeningNotional is the cumulative notional of every position
	// increase across the whole history. Closing trades never reduce it;
	// it measures capital committed, not capital freed.
	OpeningNotional decimal.Decimal
}

// Replay folds a participant's trades, in ExecutedAt order, into a
// Snapshot. Trades with non-positive amount or price contribute nothing.
//
// A BUY first closes any short position at its average entry price; any
// remainder opens (or extends) a long at the trade price. A SELL mirrors
// this against longs. Only the opening remainder adds notional; closing
// frees capital instead of committing it.
func Replay(trades []model.Trade) Snapshot {
	ordered := make([]model.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ExecutedAt.Before(ordered[j].ExecutedAt)
	})

	positions := make(map[string]model.Position)
	opening := decimal.Zero

	for _, t := range ordered {
		if t.Amount.Sign() <= 0 || t.Price.Sign() <= 0 {
			continue // malformed rows are treated as absent
		}

		pos := positions[t.Symbol]
		pos.Symbol = t.Symbol

		signed := t.Amount
		if t.Side == model.SideSell {
			signed = t.Amount.Neg()
		}

		// Split the trade into the part that closes the opposite-direction
		// position and the part that opens fresh size.
		closeAmt := decimal.Zero
		if pos.Amount.Sign() != 0 && pos.Amount.Sign() != signed.Sign() {
			closeAmt = decimal.Min(t.Amount, pos.Amount.Abs())
		}
		openAmt := t.Amount.Sub(closeAmt)

		if closeAmt.Sign() > 0 {
			// Closing releases notional at the position's average entry,
			// not at the trade price: PnL is out of scope here.
			pos.Notional = pos.Notional.Sub(closeAmt.Mul(pos.AvgEntry()))
			if pos.Notional.Sign() < 0 {
				pos.Notional = decimal.Zero
			}
		}
		if openAmt.Sign() > 0 {
			opened := openAmt.Mul(t.Price)
			pos.Notional = pos.Notional.Add(opened)
			opening = opening.Add(opened)
		}

		pos.Amount = pos.Amount.Add(signed)
		positions[t.Symbol] = pos
	}

	return Snapshot{
		Positions:       positions,
		CurrentExposure: Exposure(positions),
		OpeningNotional: opening,
	}
}

// OpeningNotional returns the notional a prospective trade would newly
// commit against the given position, using the same close-then-open split
// as Replay: the portion closing opposite-direction size commits nothing,
// only the opening remainder counts. A trade that purely closes returns
// zero; malformed amounts or prices return zero.
func OpeningNotional(pos model.Position, side model.Side, amount, price decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 || price.Sign() <= 0 {
		return decimal.Zero
	}

	signed := amount
	if side == model.SideSell {
		signed = amount.Neg()
	}

	closeAmt := decimal.Zero
	if pos.Amount.Sign() != 0 && pos.Amount.Sign() != signed.Sign() {
		closeAmt = decimal.Min(amount, pos.Amount.Abs())
	}
	openAmt := amount.Sub(closeAmt)
	if openAmt.Sign() <= 0 {
		return decimal.Zero
	}
	return openAmt.Mul(price)
}

// Exposure sums |notional| across positions whose |amount| exceeds the
// dust threshold.
func Exposure(positions map[string]model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		if p.Amount.Abs().LessThanOrEqual(DustThreshold) {
			continue
		}
		total = total.Add(p.Notional.Abs())
	}
	return total
}
