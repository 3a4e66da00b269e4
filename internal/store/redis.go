package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over the hot reads of the order gate: fight and participant rows.
// Writes go to the primary store and invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateFight(ctx context.Context, f *model.Fight) error {
	if err := s.primary.CreateFight(ctx, f); err != nil {
		return err
	}
	s.cacheFight(ctx, f)
	return nil
}

func (s *CachedStore) UpdateFightStatus(ctx context.Context, id string, status model.FightStatus, winnerID *string, isDraw bool) error {
	if err := s.primary.UpdateFightStatus(ctx, id, status, winnerID, isDraw); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the stamped timestamps.
	s.rdb.Del(ctx, fightKey(id))
	return nil
}

func (s *CachedStore) AddParticipant(ctx context.Context, p *model.FightParticipant) error {
	if err := s.primary.AddParticipant(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, participantsKey(p.FightID))
	return nil
}

func (s *CachedStore) MarkJoined(ctx context.Context, fightID, userID string, at time.Time) error {
	if err := s.primary.MarkJoined(ctx, fightID, userID, at); err != nil {
		return err
	}
	s.invalidateParticipant(ctx, fightID, userID)
	return nil
}

func (s *CachedStore) UpdateParticipantResult(ctx context.Context, fightID, userID string, finalScore decimal.Decimal, externalTrades bool) error {
	if err := s.primary.UpdateParticipantResult(ctx, fightID, userID, finalScore, externalTrades); err != nil {
		return err
	}
	s.invalidateParticipant(ctx, fightID, userID)
	return nil
}

func (s *CachedStore) UpdateHighWaterMark(ctx context.Context, fightID, userID string, hwm decimal.Decimal) error {
	if err := s.primary.UpdateHighWaterMark(ctx, fightID, userID, hwm); err != nil {
		return err
	}
	// The CAS may or may not have landed; either way the cached row can
	// no longer be trusted.
	s.invalidateParticipant(ctx, fightID, userID)
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	// Trade count lives on the participant row.
	s.invalidateParticipant(ctx, t.FightID, t.UserID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetFight(ctx context.Context, id string) (*model.Fight, error) {
	data, err := s.rdb.Get(ctx, fightKey(id)).Bytes()
	if err == nil {
		var f model.Fight
		if json.Unmarshal(data, &f) == nil {
			return &f, nil
		}
	}

	f, err := s.primary.GetFight(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheFight(ctx, f)
	return f, nil
}

func (s *CachedStore) GetParticipant(ctx context.Context, fightID, userID string) (*model.FightParticipant, error) {
	data, err := s.rdb.Get(ctx, participantKey(fightID, userID)).Bytes()
	if err == nil {
		var p model.FightParticipant
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetParticipant(ctx, fightID, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, participantKey(fightID, userID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetParticipants(ctx context.Context, fightID string) ([]model.FightParticipant, error) {
	data, err := s.rdb.Get(ctx, participantsKey(fightID)).Bytes()
	if err == nil {
		var participants []model.FightParticipant
		if json.Unmarshal(data, &participants) == nil {
			return participants, nil
		}
	}

	participants, err := s.primary.GetParticipants(ctx, fightID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(participants); err == nil {
		s.rdb.Set(ctx, participantsKey(fightID), data, s.ttl)
	}
	return participants, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTradesByFight(ctx context.Context, fightID string) ([]model.Trade, error) {
	return s.primary.GetTradesByFight(ctx, fightID)
}

func (s *CachedStore) GetTradesByParticipant(ctx context.Context, fightID, userID string) ([]model.Trade, error) {
	return s.primary.GetTradesByParticipant(ctx, fightID, userID)
}

func (s *CachedStore) InsertSession(ctx context.Context, sess *model.Session) error {
	return s.primary.InsertSession(ctx, sess)
}

func (s *CachedStore) GetSessionsByFight(ctx context.Context, fightID string) ([]model.Session, error) {
	return s.primary.GetSessionsByFight(ctx, fightID)
}

func (s *CachedStore) CountFightsBetween(ctx context.Context, userA, userB string, statuses []model.FightStatus, since time.Time, excludeFightID string) (int, error) {
	return s.primary.CountFightsBetween(ctx, userA, userB, statuses, since, excludeFightID)
}

func (s *CachedStore) SharedIPFightsBetween(ctx context.Context, userA, userB string, since time.Time, excludeFightID string) ([]model.IPOverlap, error) {
	return s.primary.SharedIPFightsBetween(ctx, userA, userB, since, excludeFightID)
}

func (s *CachedStore) InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	return s.primary.InsertAuditEntry(ctx, e)
}

func (s *CachedStore) GetAuditEntriesByFight(ctx context.Context, fightID string) ([]model.AuditEntry, error) {
	return s.primary.GetAuditEntriesByFight(ctx, fightID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheFight(ctx context.Context, f *model.Fight) {
	if data, err := json.Marshal(f); err == nil {
		s.rdb.Set(ctx, fightKey(f.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateParticipant(ctx context.Context, fightID, userID string) {
	s.rdb.Del(ctx, participantKey(fightID, userID), participantsKey(fightID))
}

func fightKey(id string) string { return fmt.Sprintf("fight:%s", id) }

func participantKey(fightID, userID string) string {
	return fmt.Sprintf("participant:%s:%s", fightID, userID)
}

func participantsKey(fightID string) string { return fmt.Sprintf("participants:%s", fightID) }
