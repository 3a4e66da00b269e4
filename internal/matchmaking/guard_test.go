package matchmaking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/model"
	"github.com/arenax/fight-engine/internal/store"
)

func seedFight(t *testing.T, ms *store.MemoryStore, id string, status model.FightStatus, createdAt time.Time, userA, userB string) {
	t.Helper()
	ctx := context.Background()

	if err := ms.CreateFight(ctx, &model.Fight{
		ID: id, Status: status, Stake: decimal.NewFromInt(100), DurationSec: 3600, CreatedAt: createdAt,
	}); err != nil {
		t.Fatalf("create fight %s: %v", id, err)
	}
	for i, user := range []string{userA, userB} {
		slot := model.SlotA
		if i == 1 {
			slot = model.SlotB
		}
		if err := ms.AddParticipant(ctx, &model.FightParticipant{
			FightID: id, UserID: user, Slot: slot, Stake: decimal.NewFromInt(100),
		}); err != nil {
			t.Fatalf("add participant %s: %v", user, err)
		}
	}
}

func TestCheck_FreshPairAllowed(t *testing.T) {
	g := NewGuard(store.NewMemoryStore(), 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dec.CanMatch {
		t.Errorf("fresh pair refused: %s", dec.Reason)
	}
	if dec.MatchupCount != 0 {
		t.Errorf("matchup count = %d, want 0", dec.MatchupCount)
	}
}

func TestCheck_SelfMatchRefused(t *testing.T) {
	g := NewGuard(store.NewMemoryStore(), 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.CanMatch {
		t.Error("self-match must be refused")
	}
	if dec.Reason == "" {
		t.Error("refusal must carry a reason")
	}
}

func TestCheck_CapReached(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		seedFight(t, ms, fmt.Sprintf("f-%d", i), model.StatusFinished, now.Add(-time.Duration(i+1)*time.Hour), "alice", "bob")
	}
	g := NewGuard(ms, 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.CanMatch {
		t.Error("three fights in the window must refuse a fourth")
	}
	if dec.MatchupCount != 3 {
		t.Errorf("matchup count = %d, want 3", dec.MatchupCount)
	}
	if dec.Reason == "" {
		t.Error("refusal must carry a reason")
	}
}

func TestCheck_UnderCapAllowed(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	seedFight(t, ms, "f-0", model.StatusFinished, now.Add(-2*time.Hour), "alice", "bob")
	seedFight(t, ms, "f-1", model.StatusNoContest, now.Add(-1*time.Hour), "alice", "bob")
	g := NewGuard(ms, 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dec.CanMatch {
		t.Errorf("two fights under a cap of three must allow: %s", dec.Reason)
	}
	if dec.MatchupCount != 2 {
		t.Errorf("matchup count = %d, want 2", dec.MatchupCount)
	}
}

func TestCheck_LiveFightBlocks(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	seedFight(t, ms, "f-0", model.StatusFinished, now.Add(-3*time.Hour), "alice", "bob")
	seedFight(t, ms, "f-1", model.StatusFinished, now.Add(-2*time.Hour), "alice", "bob")
	seedFight(t, ms, "f-2", model.StatusLive, now.Add(-time.Hour), "alice", "bob")
	g := NewGuard(ms, 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.CanMatch {
		t.Error("a live fight counts toward the cap")
	}
}

func TestCheck_WaitingAndCancelledIgnored(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	seedFight(t, ms, "f-0", model.StatusWaiting, now.Add(-3*time.Hour), "alice", "bob")
	seedFight(t, ms, "f-1", model.StatusCancelled, now.Add(-2*time.Hour), "alice", "bob")
	seedFight(t, ms, "f-2", model.StatusCancelled, now.Add(-1*time.Hour), "alice", "bob")
	g := NewGuard(ms, 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dec.CanMatch {
		t.Errorf("waiting and cancelled fights never count: %s", dec.Reason)
	}
	if dec.MatchupCount != 0 {
		t.Errorf("matchup count = %d, want 0", dec.MatchupCount)
	}
}

func TestCheck_ExpiredFightsIgnored(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		seedFight(t, ms, fmt.Sprintf("f-%d", i), model.StatusFinished, now.Add(-time.Duration(25+i)*time.Hour), "alice", "bob")
	}
	g := NewGuard(ms, 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dec.CanMatch {
		t.Errorf("fights outside the window never count: %s", dec.Reason)
	}
}

func TestCheck_PairOrderIndependent(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		seedFight(t, ms, fmt.Sprintf("f-%d", i), model.StatusFinished, now.Add(-time.Duration(i+1)*time.Hour), "alice", "bob")
	}
	g := NewGuard(ms, 3, 24*time.Hour)

	ab, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check a/b: %v", err)
	}
	ba, err := g.Check(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("check b/a: %v", err)
	}
	if ab.CanMatch != ba.CanMatch || ab.MatchupCount != ba.MatchupCount {
		t.Errorf("pair order changed the verdict: %+v vs %+v", ab, ba)
	}
}

func TestCheck_OtherPairsDoNotCount(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	seedFight(t, ms, "f-0", model.StatusFinished, now.Add(-3*time.Hour), "alice", "carol")
	seedFight(t, ms, "f-1", model.StatusFinished, now.Add(-2*time.Hour), "bob", "carol")
	seedFight(t, ms, "f-2", model.StatusFinished, now.Add(-1*time.Hour), "alice", "bob")
	g := NewGuard(ms, 3, 24*time.Hour)

	dec, err := g.Check(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dec.CanMatch {
		t.Errorf("fights against other opponents never count: %s", dec.Reason)
	}
	if dec.MatchupCount != 1 {
		t.Errorf("matchup count = %d, want 1", dec.MatchupCount)
	}
}
