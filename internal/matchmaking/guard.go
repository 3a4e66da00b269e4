// Package matchmaking implements the pre-fight pairing guard: it refuses
// to match two users who already fought too often in the rolling window.
//
// The guard differs from the settlement-time repeated-matchup rule in
// timing and in scope: it runs before a fight exists, and it also counts
// LIVE fights, so an in-progress fight blocks a new pairing.
package matchmaking

import (
	"context"
	"fmt"
	"time"

	"github.com/arenax/fight-engine/internal/model"
	"github.com/arenax/fight-engine/internal/store"
)

// Decision is the guard's verdict on a prospective pairing.
type Decision struct {
	CanMatch     bool   `json:"can_match"`
	Reason       string `json:"reason,omitempty"`
	MatchupCount int    `json:"matchup_count"`
}

// Guard checks prospective pairings against the fight history.
type Guard struct {
	store  store.Store
	limit  int
	window time.Duration
}

// NewGuard creates a matchmaking guard refusing pairs that reach limit
// fights inside the window.
func NewGuard(st store.Store, limit int, window time.Duration) *Guard {
	return &Guard{store: st, limit: limit, window: window}
}

// Check decides whether the two users may be matched. The pair is
// order-independent; a user can never be matched against themselves.
func (g *Guard) Check(ctx context.Context, userA, userB string) (*Decision, error) {
	if userA == userB {
		return &Decision{CanMatch: false, Reason: "a user cannot fight themselves"}, nil
	}

	statuses := []model.FightStatus{model.StatusFinished, model.StatusNoContest, model.StatusLive}
	since := time.Now().UTC().Add(-g.window)

	count, err := g.store.CountFightsBetween(ctx, userA, userB, statuses, since, "")
	if err != nil {
		return nil, fmt.Errorf("matchmaking: count fights: %w", err)
	}

	if g.limit > 0 && count >= g.limit {
		return &Decision{
			CanMatch:     false,
			Reason:       fmt.Sprintf("pair already fought %d times in the last %s", count, g.window),
			MatchupCount: count,
		}, nil
	}

	return &Decision{CanMatch: true, MatchupCount: count}, nil
}
