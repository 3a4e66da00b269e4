// Package store defines the persistence interface for the fight engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist. All
// implementations wrap it so callers can branch with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer over the hot fight reads.
type Store interface {
	// --- Fights ---

	// CreateFight persists a new fight.
	CreateFight(ctx context.Context, f *model.Fight) error

	// GetFight retrieves a fight by ID.
	GetFight(ctx context.Context, id string) (*model.Fight, error)

	// UpdateFightStatus transitions a fight's status and records the
	// outcome. StartedAt is stamped on the LIVE transition, EndedAt on
	// terminal transitions.
	UpdateFightStatus(ctx context.Context, id string, status model.FightStatus, winnerID *string, isDraw bool) error

	// --- Participants ---

	// AddParticipant attaches a player to a fight.
	AddParticipant(ctx context.Context, p *model.FightParticipant) error

	// GetParticipant retrieves one player's side of a fight.
	GetParticipant(ctx context.Context, fightID, userID string) (*model.FightParticipant, error)

	// GetParticipants returns both sides of a fight, slot A first.
	GetParticipants(ctx context.Context, fightID string) ([]model.FightParticipant, error)

	// MarkJoined records the moment a participant joined.
	MarkJoined(ctx context.Context, fightID, userID string, at time.Time) error

	// UpdateParticipantResult records the externally computed final score
	// and the external-trades attribution flag.
	UpdateParticipantResult(ctx context.Context, fightID, userID string, finalScore decimal.Decimal, externalTrades bool) error

	// UpdateHighWaterMark advances the watermark via monotonic
	// compare-and-set: the write lands only when hwm exceeds the stored
	// value. Stale writes are silently dropped, never an error.
	UpdateHighWaterMark(ctx context.Context, fightID, userID string, hwm decimal.Decimal) error

	// --- Immutable trade ledger ---

	// InsertTrade appends an immutable fill record and bumps the
	// participant's trade count.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// GetTradesByFight returns all trades of a fight ordered by ExecutedAt.
	GetTradesByFight(ctx context.Context, fightID string) ([]model.Trade, error)

	// GetTradesByParticipant returns one player's trades ordered by ExecutedAt.
	GetTradesByParticipant(ctx context.Context, fightID, userID string) ([]model.Trade, error)

	// --- Sessions ---

	// InsertSession records join/trade connection metadata.
	InsertSession(ctx context.Context, s *model.Session) error

	// GetSessionsByFight returns all sessions recorded for a fight.
	GetSessionsByFight(ctx context.Context, fightID string) ([]model.Session, error)

	// --- Integrity queries ---

	// CountFightsBetween counts fights of the exact (order-independent)
	// pair with a status in statuses, created at or after since,
	// excluding excludeFightID when non-empty.
	CountFightsBetween(ctx context.Context, userA, userB string, statuses []model.FightStatus, since time.Time, excludeFightID string) (int, error)

	// SharedIPFightsBetween returns, per prior fight of the pair, the IPs
	// both players' sessions shared in that fight. The "unknown" sentinel
	// never matches; fights without a shared IP are omitted.
	SharedIPFightsBetween(ctx context.Context, userA, userB string, since time.Time, excludeFightID string) ([]model.IPOverlap, error)

	// --- Audit trail ---

	// InsertAuditEntry appends a settlement violation record.
	InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error

	// GetAuditEntriesByFight returns a fight's violation records.
	GetAuditEntriesByFight(ctx context.Context, fightID string) ([]model.AuditEntry, error)
}
