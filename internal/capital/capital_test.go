package capital

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/arenax/fight-engine/internal/model"
	"github.com/arenax/fight-engine/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAvailable_Formula(t *testing.T) {
	cases := []struct {
		name            string
		stake, hwm, exp float64
		want            float64
	}{
		{"fresh fight", 100, 0, 0, 100},
		{"fully open position is reusable", 100, 60, 60, 100},
		{"freed capital stays consumed", 100, 60, 0, 40},
		{"watermark at stake, half open", 100, 100, 40, 40},
		{"watermark at stake, flat", 100, 100, 0, 0},
		{"never negative", 100, 150, 10, 0},
		{"never above stake", 100, 20, 60, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Available(d(tc.stake), d(tc.hwm), d(tc.exp))
			if !got.Equal(d(tc.want)) {
				t.Errorf("Available(%v, %v, %v) = %s, want %v", tc.stake, tc.hwm, tc.exp, got, tc.want)
			}
		})
	}
}

func TestCheckOrder_BoundaryInclusive(t *testing.T) {
	// Exactly at the available capital passes.
	if err := CheckOrder(d(100), d(0), d(0), d(100)); err != nil {
		t.Errorf("order landing exactly on available must pass: %v", err)
	}
	if err := CheckOrder(d(100), d(60), d(60), d(40)); err != nil {
		t.Errorf("60 exposure + 40 order = available 100, must pass: %v", err)
	}

	// One cent over fails.
	if err := CheckOrder(d(100), d(0), d(0), d(100.01)); err == nil {
		t.Error("order over available must be rejected")
	}
	if err := CheckOrder(d(100), d(60), d(60), d(40.01)); err == nil {
		t.Error("order over available must be rejected")
	}
}

func TestCheckOrder_ZeroOpeningAlwaysPasses(t *testing.T) {
	// A pure close carries zero opening notional and must pass even with
	// the watermark at the stake.
	if err := CheckOrder(d(100), d(100), d(100), decimal.Zero); err != nil {
		t.Errorf("zero opening notional must always pass: %v", err)
	}
}

func TestCheckOrder_ErrorPayload(t *testing.T) {
	err := CheckOrder(d(50), d(20), d(20), d(40))
	if err == nil {
		t.Fatal("expected a stake limit rejection")
	}

	var sle *StakeLimitError
	if !errors.As(err, &sle) {
		t.Fatalf("expected *StakeLimitError, got %T", err)
	}
	if !sle.Stake.Equal(d(50)) {
		t.Errorf("Stake = %s, want 50", sle.Stake)
	}
	if !sle.CurrentExposure.Equal(d(20)) {
		t.Errorf("CurrentExposure = %s, want 20", sle.CurrentExposure)
	}
	if !sle.OrderNotional.Equal(d(40)) {
		t.Errorf("OrderNotional = %s, want 40", sle.OrderNotional)
	}
	if !sle.TotalExposure.Equal(d(60)) {
		t.Errorf("TotalExposure = %s, want 60", sle.TotalExposure)
	}
	if !sle.Available.Equal(d(50)) {
		t.Errorf("Available = %s, want 50", sle.Available)
	}
}

// newTestGuard seeds a memory store with one live fight and a single
// participant staked at the given amount.
func newTestGuard(t *testing.T, stake decimal.Decimal) (*Guard, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()

	fight := &model.Fight{
		ID:          "fight-1",
		Status:      model.StatusLive,
		Stake:       stake,
		DurationSec: 3600,
		CreatedAt:   testStart,
	}
	if err := ms.CreateFight(ctx, fight); err != nil {
		t.Fatalf("create fight: %v", err)
	}
	if err := ms.AddParticipant(ctx, &model.FightParticipant{
		FightID: "fight-1", UserID: "alice", Slot: model.SlotA, Stake: stake,
	}); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	return NewGuard(ms), ms
}

func fill(seq int, side model.Side, amount, price float64) *model.Trade {
	return &model.Trade{
		ID:         fmt.Sprintf("t-%d", seq),
		FightID:    "fight-1",
		UserID:     "alice",
		Symbol:     "BTC-USD",
		Side:       side,
		Amount:     d(amount),
		Price:      d(price),
		ExecutedAt: testStart.Add(time.Duration(seq) * time.Second),
	}
}

func TestGuard_RecordTradeAdvancesWatermark(t *testing.T) {
	g, ms := newTestGuard(t, d(100))
	ctx := context.Background()

	v, err := g.RecordTrade(ctx, fill(0, model.SideBuy, 2, 30))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !v.CurrentExposure.Equal(d(60)) {
		t.Errorf("exposure = %s, want 60", v.CurrentExposure)
	}
	if !v.HighWaterMark.Equal(d(60)) {
		t.Errorf("watermark = %s, want 60", v.HighWaterMark)
	}

	// A partial close drops exposure but never the watermark.
	v, err = g.RecordTrade(ctx, fill(1, model.SideSell, 1, 45))
	if err != nil {
		t.Fatalf("record close: %v", err)
	}
	if !v.CurrentExposure.Equal(d(30)) {
		t.Errorf("exposure after close = %s, want 30", v.CurrentExposure)
	}
	if !v.HighWaterMark.Equal(d(60)) {
		t.Errorf("watermark after close = %s, want 60", v.HighWaterMark)
	}
	if !v.Available.Equal(d(70)) {
		t.Errorf("available = %s, want 100-60+30=70", v.Available)
	}

	p, err := ms.GetParticipant(ctx, "fight-1", "alice")
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if !p.HighWaterMark.Equal(d(60)) {
		t.Errorf("stored watermark = %s, want 60", p.HighWaterMark)
	}
	if p.TradeCount != 2 {
		t.Errorf("trade count = %d, want 2", p.TradeCount)
	}
}

func TestGuard_ClosingFillNeverRejected(t *testing.T) {
	g, _ := newTestGuard(t, d(100))
	ctx := context.Background()

	if _, err := g.RecordTrade(ctx, fill(0, model.SideBuy, 10, 10)); err != nil {
		t.Fatalf("open to the full stake: %v", err)
	}

	// Full close at the ceiling: commits nothing, always accepted.
	v, err := g.RecordTrade(ctx, fill(1, model.SideSell, 10, 13))
	if err != nil {
		t.Fatalf("closing fill must never be rejected: %v", err)
	}
	if !v.CurrentExposure.IsZero() {
		t.Errorf("exposure after full close = %s, want 0", v.CurrentExposure)
	}
	if !v.Available.IsZero() {
		t.Errorf("watermark consumed the stake, available = %s, want 0", v.Available)
	}

	// The freed capital is gone for good: any new opening is rejected.
	_, err = g.RecordTrade(ctx, fill(2, model.SideBuy, 1, 10))
	var sle *StakeLimitError
	if !errors.As(err, &sle) {
		t.Fatalf("reopening past the watermark must be rejected, got %v", err)
	}
}

func TestGuard_FreedCapitalBelowWatermarkIsReusable(t *testing.T) {
	g, _ := newTestGuard(t, d(100))
	ctx := context.Background()

	if _, err := g.RecordTrade(ctx, fill(0, model.SideBuy, 3, 10)); err != nil {
		t.Fatalf("open 30: %v", err)
	}
	if _, err := g.RecordTrade(ctx, fill(1, model.SideSell, 3, 10)); err != nil {
		t.Fatalf("close 30: %v", err)
	}

	// Watermark 30, exposure 0: 70 of headroom remains.
	v, err := g.RecordTrade(ctx, fill(2, model.SideBuy, 7, 10))
	if err != nil {
		t.Fatalf("70 within the remaining headroom: %v", err)
	}
	if !v.HighWaterMark.Equal(d(70)) {
		t.Errorf("watermark = %s, want 70", v.HighWaterMark)
	}

	// Open position capital is counted once: extending to the stake works.
	v, err = g.RecordTrade(ctx, fill(3, model.SideBuy, 3, 10))
	if err != nil {
		t.Fatalf("extend to the stake: %v", err)
	}
	if !v.CurrentExposure.Equal(d(100)) {
		t.Errorf("exposure = %s, want 100", v.CurrentExposure)
	}

	if _, err := g.RecordTrade(ctx, fill(4, model.SideBuy, 1, 0.01)); err == nil {
		t.Error("any opening past the stake must be rejected")
	}
}

func TestGuard_RejectionWritesNothing(t *testing.T) {
	g, ms := newTestGuard(t, d(50))
	ctx := context.Background()

	if _, err := g.RecordTrade(ctx, fill(0, model.SideBuy, 2, 10)); err != nil {
		t.Fatalf("open 20: %v", err)
	}

	v, err := g.RecordTrade(ctx, fill(1, model.SideBuy, 4, 10))
	var sle *StakeLimitError
	if !errors.As(err, &sle) {
		t.Fatalf("expected stake limit rejection, got %v", err)
	}
	if !sle.TotalExposure.Equal(d(60)) {
		t.Errorf("TotalExposure = %s, want 60", sle.TotalExposure)
	}
	if !sle.Available.Equal(d(50)) {
		t.Errorf("Available = %s, want 50", sle.Available)
	}
	if v == nil || !v.CurrentExposure.Equal(d(20)) {
		t.Errorf("rejection view should carry the pre-trade exposure, got %+v", v)
	}

	trades, err := ms.GetTradesByParticipant(ctx, "fight-1", "alice")
	if err != nil {
		t.Fatalf("get trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("rejected fill must not be written, ledger has %d trades", len(trades))
	}
	p, err := ms.GetParticipant(ctx, "fight-1", "alice")
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if !p.HighWaterMark.Equal(d(20)) {
		t.Errorf("watermark = %s, want 20 untouched", p.HighWaterMark)
	}
	if p.TradeCount != 1 {
		t.Errorf("trade count = %d, want 1 untouched", p.TradeCount)
	}

	// The boundary case still passes afterwards.
	if _, err := g.RecordTrade(ctx, fill(2, model.SideBuy, 3, 10)); err != nil {
		t.Errorf("order landing exactly on available must pass: %v", err)
	}
}

func TestGuard_CheckOrderResolvesAgainstPosition(t *testing.T) {
	g, ms := newTestGuard(t, d(100))
	ctx := context.Background()

	if _, err := g.RecordTrade(ctx, fill(0, model.SideBuy, 10, 10)); err != nil {
		t.Fatalf("open to the stake: %v", err)
	}

	// A prospective close at the ceiling passes the check.
	v, err := g.CheckOrder(ctx, "fight-1", "alice", "BTC-USD", model.SideSell, d(10), d(12))
	if err != nil {
		t.Errorf("closing order must pass the check: %v", err)
	}
	if v == nil || !v.CurrentExposure.Equal(d(100)) {
		t.Errorf("check view exposure = %+v, want 100", v)
	}

	// The same notional as a fresh opening in another symbol is rejected.
	_, err = g.CheckOrder(ctx, "fight-1", "alice", "ETH-USD", model.SideBuy, d(10), d(12))
	var sle *StakeLimitError
	if !errors.As(err, &sle) {
		t.Fatalf("opening order past the ceiling must be rejected, got %v", err)
	}

	// The check itself never mutates.
	trades, _ := ms.GetTradesByParticipant(ctx, "fight-1", "alice")
	if len(trades) != 1 {
		t.Errorf("check must not write trades, ledger has %d", len(trades))
	}
}

func TestGuard_UnknownParticipant(t *testing.T) {
	g, _ := newTestGuard(t, d(100))

	_, err := g.Capital(context.Background(), "fight-1", "mallory")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Property: the watermark never decreases and brackets exposure ---

func TestProperty_WatermarkMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stake := d(1000)
		ms := store.NewMemoryStore()
		ctx := context.Background()

		if err := ms.CreateFight(ctx, &model.Fight{
			ID: "fight-1", Status: model.StatusLive, Stake: stake,
			DurationSec: 3600, CreatedAt: testStart,
		}); err != nil {
			t.Fatalf("create fight: %v", err)
		}
		if err := ms.AddParticipant(ctx, &model.FightParticipant{
			FightID: "fight-1", UserID: "alice", Slot: model.SlotA, Stake: stake,
		}); err != nil {
			t.Fatalf("add participant: %v", err)
		}
		g := NewGuard(ms)

		prev := decimal.Zero
		n := rapid.IntRange(1, 25).Draw(t, "trades")
		for i := 0; i < n; i++ {
			side := model.SideBuy
			if rapid.Bool().Draw(t, fmt.Sprintf("sell-%d", i)) {
				side = model.SideSell
			}
			amount := rapid.IntRange(1, 20).Draw(t, fmt.Sprintf("amt-%d", i))
			priceCents := rapid.IntRange(1, 5_000).Draw(t, fmt.Sprintf("px-%d", i))

			v, err := g.RecordTrade(ctx, &model.Trade{
				ID:         fmt.Sprintf("t-%d", i),
				FightID:    "fight-1",
				UserID:     "alice",
				Symbol:     "BTC-USD",
				Side:       side,
				Amount:     decimal.NewFromInt(int64(amount)),
				Price:      decimal.New(int64(priceCents), -2),
				ExecutedAt: testStart.Add(time.Duration(i) * time.Second),
			})
			if err != nil {
				var sle *StakeLimitError
				if !errors.As(err, &sle) {
					t.Fatalf("trade %d: unexpected error %v", i, err)
				}
				continue // rejected fills leave no trace
			}

			if v.HighWaterMark.LessThan(prev) {
				t.Fatalf("trade %d: watermark decreased %s -> %s", i, prev, v.HighWaterMark)
			}
			if v.CurrentExposure.GreaterThan(v.HighWaterMark) {
				t.Fatalf("trade %d: exposure %s above watermark %s", i, v.CurrentExposure, v.HighWaterMark)
			}
			if v.HighWaterMark.GreaterThan(stake) {
				t.Fatalf("trade %d: watermark %s above stake %s", i, v.HighWaterMark, stake)
			}
			prev = v.HighWaterMark
		}

		p, err := ms.GetParticipant(ctx, "fight-1", "alice")
		if err != nil {
			t.Fatalf("get participant: %v", err)
		}
		if !p.HighWaterMark.Equal(prev) {
			t.Fatalf("stored watermark %s disagrees with last view %s", p.HighWaterMark, prev)
		}
	})
}

// --- Property: available capital always lies in [0, stake] ---

func TestProperty_AvailableBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stakeCents := rapid.IntRange(0, 1_000_000).Draw(t, "stake")
		hwmCents := rapid.IntRange(0, stakeCents).Draw(t, "hwm")
		expCents := rapid.IntRange(0, hwmCents).Draw(t, "exp")

		stake := decimal.New(int64(stakeCents), -2)
		avail := Available(stake, decimal.New(int64(hwmCents), -2), decimal.New(int64(expCents), -2))

		if avail.Sign() < 0 {
			t.Fatalf("available %s below zero", avail)
		}
		if avail.GreaterThan(stake) {
			t.Fatalf("available %s above stake %s", avail, stake)
		}
	})
}
