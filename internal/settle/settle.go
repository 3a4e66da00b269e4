// Package settle implements fight settlement: it resolves the full fight
// snapshot, runs the fairness rule set, and turns the verdicts into the
// authoritative final status.
//
// The decision pipeline is split in two. Classification is pure (verdicts
// in, status out) so every exclusion path is unit-testable without a
// store. Everything with a side effect (status write, audit trail,
// notification) happens around it in Settle.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arenax/fight-engine/internal/model"
	"github.com/arenax/fight-engine/internal/rules"
	"github.com/arenax/fight-engine/internal/store"
)

var (
	// ErrFightNotFound means settlement was requested for an unknown fight.
	ErrFightNotFound = errors.New("settle: fight not found")

	// ErrAlreadySettled means the fight already reached a terminal status.
	ErrAlreadySettled = errors.New("settle: fight already settled")
)

// Outcome is the externally computed trading result: who won, or a draw.
// Settlement preserves it on a clean fight and discards it on exclusion.
type Outcome struct {
	WinnerID *string
	IsDraw   bool
}

// Decision is the authoritative settlement result.
type Decision struct {
	FightID         string            `json:"fight_id"`
	FinalStatus     model.FightStatus `json:"final_status"`
	WinnerID        *string           `json:"winner_id"`
	IsDraw          bool              `json:"is_draw"`
	RankingEligible bool              `json:"ranking_eligible"`

	// Violations lists every flagged verdict, excluding or not.
	Violations []rules.Result `json:"violations"`

	// Results lists all rule verdicts in evaluation order.
	Results []rules.Result `json:"results"`
}

// Notifier receives settlement outcomes that need human attention.
type Notifier interface {
	FightExcluded(ctx context.Context, fight *model.Fight, violations []rules.Result) error
}

// Orchestrator coordinates settlement against the store.
type Orchestrator struct {
	store    store.Store
	cfg      rules.Config
	notifier Notifier
}

// NewOrchestrator creates a settlement orchestrator. A nil notifier
// disables exclusion notifications.
func NewOrchestrator(st store.Store, cfg rules.Config, n Notifier) *Orchestrator {
	return &Orchestrator{store: st, cfg: cfg, notifier: n}
}

// IsExcluding reports whether a verdict voids the fight's outcome. Hard
// failures of the activity, volume, matchup, and shared-address rules
// exclude; an external-trades failure only marks the fight for review.
func IsExcluding(r rules.Result) bool {
	if !r.Failed() {
		return false
	}
	switch r.Rule {
	case rules.CodeZeroActivity, rules.CodeMinVolume, rules.CodeRepeatedMatchup, rules.CodeSharedIP:
		return true
	}
	return false
}

// Classify turns rule verdicts into the final status. Any excluding
// violation forces NO_CONTEST with no winner and no draw, overriding the
// supplied outcome; otherwise the fight finishes with the outcome intact.
func Classify(results []rules.Result, outcome Outcome) (model.FightStatus, Outcome) {
	for _, r := range results {
		if IsExcluding(r) {
			return model.StatusNoContest, Outcome{}
		}
	}
	return model.StatusFinished, outcome
}

// Settle runs the full settlement pipeline for one fight: snapshot, rule
// evaluation, classification, status write, audit trail, notification.
// The supplied outcome is preserved verbatim unless an excluding violation
// voids it.
func (o *Orchestrator) Settle(ctx context.Context, fightID string, outcome Outcome) (*Decision, error) {
	fight, err := o.store.GetFight(ctx, fightID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrFightNotFound
		}
		return nil, fmt.Errorf("settle: load fight: %w", err)
	}
	if fight.Settled() {
		return nil, ErrAlreadySettled
	}

	snap, err := o.buildSnapshot(ctx, fight)
	if err != nil {
		return nil, err
	}

	results := rules.EvaluateAll(snap, o.cfg)
	status, final := Classify(results, outcome)

	if err := o.store.UpdateFightStatus(ctx, fightID, status, final.WinnerID, final.IsDraw); err != nil {
		return nil, fmt.Errorf("settle: update status: %w", err)
	}

	decision := &Decision{
		FightID:         fightID,
		FinalStatus:     status,
		WinnerID:        final.WinnerID,
		IsDraw:          final.IsDraw,
		RankingEligible: status == model.StatusFinished,
		Violations:      []rules.Result{},
		Results:         results,
	}
	for _, r := range results {
		if r.Flagged() {
			decision.Violations = append(decision.Violations, r)
		}
	}

	o.writeAuditTrail(ctx, fightID, decision.Violations)

	if status == model.StatusNoContest && o.notifier != nil {
		fight.Status = status
		fight.WinnerID = final.WinnerID
		fight.IsDraw = final.IsDraw
		if err := o.notifier.FightExcluded(ctx, fight, decision.Violations); err != nil {
			slog.Error("exclusion notification failed", "fight_id", fightID, "error", err)
		}
	}

	slog.Info("fight settled",
		"fight_id", fightID,
		"final_status", string(status),
		"violations", len(decision.Violations))

	return decision, nil
}

// buildSnapshot loads everything the rules consult, resolving the pair's
// prior-matchup count and prior address overlaps up front so the rules
// themselves stay storage-free.
func (o *Orchestrator) buildSnapshot(ctx context.Context, fight *model.Fight) (*rules.Snapshot, error) {
	participants, err := o.store.GetParticipants(ctx, fight.ID)
	if err != nil {
		return nil, fmt.Errorf("settle: load participants: %w", err)
	}
	trades, err := o.store.GetTradesByFight(ctx, fight.ID)
	if err != nil {
		return nil, fmt.Errorf("settle: load trades: %w", err)
	}
	sessions, err := o.store.GetSessionsByFight(ctx, fight.ID)
	if err != nil {
		return nil, fmt.Errorf("settle: load sessions: %w", err)
	}

	snap := &rules.Snapshot{
		Fight:        fight,
		Participants: participants,
		Trades:       trades,
		Sessions:     sessions,
	}

	if len(participants) == 2 {
		a, b := participants[0].UserID, participants[1].UserID
		since := time.Now().UTC().Add(-o.cfg.MatchupWindow)
		settled := []model.FightStatus{model.StatusFinished, model.StatusNoContest}

		snap.PriorMatchups, err = o.store.CountFightsBetween(ctx, a, b, settled, since, fight.ID)
		if err != nil {
			return nil, fmt.Errorf("settle: count prior matchups: %w", err)
		}
		snap.PriorIPOverlaps, err = o.store.SharedIPFightsBetween(ctx, a, b, since, fight.ID)
		if err != nil {
			return nil, fmt.Errorf("settle: load prior address overlaps: %w", err)
		}
	}

	return snap, nil
}

// writeAuditTrail records one entry per flagged verdict. Audit writes are
// non-fatal: the status decision is already authoritative.
func (o *Orchestrator) writeAuditTrail(ctx context.Context, fightID string, violations []rules.Result) {
	for _, r := range violations {
		tag := model.TagFlagged
		if IsExcluding(r) {
			tag = model.TagNoContest
		}
		entry := &model.AuditEntry{
			ID:        uuid.NewString(),
			FightID:   fightID,
			Rule:      r.Rule,
			Tag:       tag,
			Message:   r.Message,
			Meta:      r.Meta,
			CreatedAt: time.Now().UTC(),
		}
		if err := o.store.InsertAuditEntry(ctx, entry); err != nil {
			slog.Error("audit entry write failed", "fight_id", fightID, "rule", r.Rule, "error", err)
		}
	}
}
