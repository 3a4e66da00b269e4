// Package rules implements the fairness rule set evaluated at settlement.
//
// Every rule is a pure function over a Snapshot: all fight data, including
// prior-matchup counts and historical IP overlaps, is resolved by the
// caller before evaluation. Rules never touch storage, so a fixed snapshot
// always produces the same verdicts and every rule is unit-testable with
// plain values.
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/model"
)

// Rule codes, stable identifiers used in audit entries and metrics.
const (
	CodeZeroActivity    = "ZERO_ACTIVITY"
	CodeMinVolume       = "MIN_VOLUME"
	CodeRepeatedMatchup = "REPEATED_MATCHUP"
	CodeSharedIP        = "SHARED_IP"
	CodeExternalTrades  = "EXTERNAL_TRADES"
)

// Outcome is a rule verdict. SHARED_IP is the only rule that uses the
// full tri-state: a first-time address overlap warns, a repeated pattern
// fails.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeWarn Outcome = "warn"
	OutcomeFail Outcome = "fail"
)

// Config holds every fairness threshold. Values are passed explicitly to
// each evaluation; there are no package-level knobs.
type Config struct {
	// ZeroScoreThreshold is the |final score| at or below which a player
	// counts as inactive.
	ZeroScoreThreshold decimal.Decimal

	// MinPlayerNotional is the minimum per-player traded notional.
	// Exactly the minimum passes.
	MinPlayerNotional decimal.Decimal

	// MatchupCap is the number of settled fights of the same pair,
	// current included, at which REPEATED_MATCHUP fails.
	MatchupCap int

	// MatchupWindow is the rolling window for matchup counting.
	MatchupWindow time.Duration

	// SharedIPThreshold is the number of address-overlap occurrences,
	// current included, at which SHARED_IP hard-fails.
	SharedIPThreshold int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		ZeroScoreThreshold: decimal.NewFromFloat(0.01),
		MinPlayerNotional:  decimal.NewFromInt(10),
		MatchupCap:         3,
		MatchupWindow:      24 * time.Hour,
		SharedIPThreshold:  2,
	}
}

// Result is one rule's verdict on one fight.
type Result struct {
	Rule    string         `json:"rule"`
	Outcome Outcome        `json:"outcome"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Failed reports a hard failure.
func (r Result) Failed() bool { return r.Outcome == OutcomeFail }

// Flagged reports any non-pass verdict.
func (r Result) Flagged() bool { return r.Outcome != OutcomePass }

// Snapshot carries everything the rules may consult, resolved up front by
// the settlement query step.
type Snapshot struct {
	Fight        *model.Fight
	Participants []model.FightParticipant
	Trades       []model.Trade
	Sessions     []model.Session

	// PriorMatchups is the count of settled fights of this exact pair
	// inside the matchup window, excluding the current fight.
	PriorMatchups int

	// PriorIPOverlaps lists prior fights of the pair in which both
	// players' sessions shared at least one IP.
	PriorIPOverlaps []model.IPOverlap
}

// pair returns both participants, or nils when either slot is missing.
func (s *Snapshot) pair() (*model.FightParticipant, *model.FightParticipant) {
	if len(s.Participants) < 2 {
		return nil, nil
	}
	return &s.Participants[0], &s.Participants[1]
}

func (s *Snapshot) tradesFor(userID string) []model.Trade {
	var out []model.Trade
	for _, t := range s.Trades {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// ipsFor collects the distinct session IPs of one player, dropping the
// "unknown" sentinel.
func (s *Snapshot) ipsFor(userID string) map[string]bool {
	ips := make(map[string]bool)
	for _, sess := range s.Sessions {
		if sess.UserID == userID && sess.IP != "" && sess.IP != model.UnknownIP {
			ips[sess.IP] = true
		}
	}
	return ips
}

// Evaluator is a single fairness rule.
type Evaluator func(snap *Snapshot, cfg Config) Result

// All returns the full rule set in evaluation order.
func All() []Evaluator {
	return []Evaluator{ZeroActivity, MinVolume, RepeatedMatchup, SharedIP, ExternalTrades}
}

// EvaluateAll runs every rule concurrently and returns the verdicts in
// rule-set order. Rules share no state, so the fan-out needs nothing more
// than a join.
func EvaluateAll(snap *Snapshot, cfg Config) []Result {
	evals := All()
	results := make([]Result, len(evals))

	var wg sync.WaitGroup
	for i, eval := range evals {
		wg.Add(1)
		go func(i int, eval Evaluator) {
			defer wg.Done()
			results[i] = eval(snap, cfg)
		}(i, eval)
	}
	wg.Wait()

	return results
}

// ZeroActivity fails when neither player did anything: both made zero
// trades, or both final scores sit within the zero threshold.
func ZeroActivity(snap *Snapshot, cfg Config) Result {
	a, b := snap.pair()
	if a == nil || b == nil {
		return vacuous(CodeZeroActivity)
	}

	if a.TradeCount == 0 && b.TradeCount == 0 {
		return Result{
			Rule:    CodeZeroActivity,
			Outcome: OutcomeFail,
			Message: "both players made 0 trades",
			Meta: map[string]any{
				"trade_count_a": a.TradeCount,
				"trade_count_b": b.TradeCount,
			},
		}
	}

	if a.FinalScore.Abs().LessThanOrEqual(cfg.ZeroScoreThreshold) &&
		b.FinalScore.Abs().LessThanOrEqual(cfg.ZeroScoreThreshold) {
		return Result{
			Rule:    CodeZeroActivity,
			Outcome: OutcomeFail,
			Message: fmt.Sprintf("both final scores within ±%s of zero", cfg.ZeroScoreThreshold),
			Meta: map[string]any{
				"score_a":   a.FinalScore.String(),
				"score_b":   b.FinalScore.String(),
				"threshold": cfg.ZeroScoreThreshold.String(),
			},
		}
	}

	return pass(CodeZeroActivity, "activity detected on at least one side")
}

// MinVolume fails when either player's total traded notional falls short
// of the minimum. The boundary is inclusive: exactly the minimum passes.
func MinVolume(snap *Snapshot, cfg Config) Result {
	a, b := snap.pair()
	if a == nil || b == nil {
		return vacuous(CodeMinVolume)
	}

	volA := tradedNotional(snap.tradesFor(a.UserID))
	volB := tradedNotional(snap.tradesFor(b.UserID))

	if volA.LessThan(cfg.MinPlayerNotional) || volB.LessThan(cfg.MinPlayerNotional) {
		return Result{
			Rule:    CodeMinVolume,
			Outcome: OutcomeFail,
			Message: fmt.Sprintf("traded volume below the %s minimum", cfg.MinPlayerNotional),
			Meta: map[string]any{
				"volume_a": volA.String(),
				"volume_b": volB.String(),
				"minimum":  cfg.MinPlayerNotional.String(),
			},
		}
	}

	return pass(CodeMinVolume, "both players met the volume minimum")
}

// RepeatedMatchup fails when this fight brings the pair's settled-fight
// count inside the window to the cap or beyond.
func RepeatedMatchup(snap *Snapshot, cfg Config) Result {
	a, b := snap.pair()
	if a == nil || b == nil {
		return vacuous(CodeRepeatedMatchup)
	}

	total := snap.PriorMatchups + 1 // current fight included
	if cfg.MatchupCap > 0 && total >= cfg.MatchupCap {
		return Result{
			Rule:    CodeRepeatedMatchup,
			Outcome: OutcomeFail,
			Message: fmt.Sprintf("pair fought %d times within the window (cap %d)", total, cfg.MatchupCap),
			Meta: map[string]any{
				"pair":           model.PairKey(a.UserID, b.UserID),
				"prior_matchups": snap.PriorMatchups,
				"cap":            cfg.MatchupCap,
			},
		}
	}

	return pass(CodeRepeatedMatchup, "matchup count within the cap")
}

// SharedIP inspects session address overlap between the two players. No
// overlap passes; a first-time overlap warns (shared networks are common);
// the same overlap recurring across prior fights of the pair fails.
func SharedIP(snap *Snapshot, cfg Config) Result {
	a, b := snap.pair()
	if a == nil || b == nil {
		return vacuous(CodeSharedIP)
	}

	ipsA := snap.ipsFor(a.UserID)
	ipsB := snap.ipsFor(b.UserID)
	if len(ipsA) == 0 && len(ipsB) == 0 {
		return pass(CodeSharedIP, "no session data recorded")
	}

	shared := make(map[string]bool)
	var sharedList []string
	for ip := range ipsA {
		if ipsB[ip] {
			shared[ip] = true
			sharedList = append(sharedList, ip)
		}
	}
	if len(shared) == 0 {
		return pass(CodeSharedIP, "no address overlap between players")
	}

	// Occurrences of this overlap pattern: the current fight plus every
	// prior fight whose shared addresses intersect today's.
	occurrences := 1
	for _, o := range snap.PriorIPOverlaps {
		for _, ip := range o.IPs {
			if shared[ip] {
				occurrences++
				break
			}
		}
	}

	meta := map[string]any{
		"shared_ips":  sharedList,
		"occurrences": occurrences,
		"threshold":   cfg.SharedIPThreshold,
	}

	if occurrences >= cfg.SharedIPThreshold {
		return Result{
			Rule:    CodeSharedIP,
			Outcome: OutcomeFail,
			Message: fmt.Sprintf("players shared an address in %d fights (threshold %d)", occurrences, cfg.SharedIPThreshold),
			Meta:    meta,
		}
	}

	return Result{
		Rule:    CodeSharedIP,
		Outcome: OutcomeWarn,
		Message: "players traded from a shared address",
		Meta:    meta,
	}
}

// ExternalTrades fails when either player carries the external-trades
// attribution flag. Flag-only: the verdict marks the fight for review and
// never voids it on its own.
func ExternalTrades(snap *Snapshot, cfg Config) Result {
	a, b := snap.pair()
	if a == nil || b == nil {
		return vacuous(CodeExternalTrades)
	}

	var flagged []string
	if a.ExternalTrades {
		flagged = append(flagged, a.UserID)
	}
	if b.ExternalTrades {
		flagged = append(flagged, b.UserID)
	}

	if len(flagged) > 0 {
		return Result{
			Rule:    CodeExternalTrades,
			Outcome: OutcomeFail,
			Message: "trades outside the fight window attributed to player account",
			Meta:    map[string]any{"users": flagged},
		}
	}

	return pass(CodeExternalTrades, "no external trade attribution")
}

func tradedNotional(trades []model.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, t := range trades {
		if t.Amount.Sign() <= 0 || t.Price.Sign() <= 0 {
			continue
		}
		total = total.Add(t.Notional())
	}
	return total
}

func pass(rule, msg string) Result {
	return Result{Rule: rule, Outcome: OutcomePass, Message: msg}
}

// vacuous is the verdict for fights missing a participant: rules cannot
// judge a half-empty fight, and an absent player must never convert a
// possibly legitimate fight into a violation.
func vacuous(rule string) Result {
	return Result{Rule: rule, Outcome: OutcomePass, Message: "participant missing, rule not applicable"}
}
