package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	fights       map[string]*model.Fight
	participants map[string][]*model.FightParticipant
	trades       []model.Trade
	sessions     []model.Session
	audits       []model.AuditEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fights:       make(map[string]*model.Fight),
		participants: make(map[string][]*model.FightParticipant),
	}
}

// --- Fights ---

func (s *MemoryStore) CreateFight(_ context.Context, f *model.Fight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fights[f.ID]; ok {
		return fmt.Errorf("fight %s already exists", f.ID)
	}
	s.fights[f.ID] = cloneFight(f)
	return nil
}

func (s *MemoryStore) GetFight(_ context.Context, id string) (*model.Fight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fights[id]
	if !ok {
		return nil, fmt.Errorf("fight %s: %w", id, ErrNotFound)
	}
	return cloneFight(f), nil
}

func (s *MemoryStore) UpdateFightStatus(_ context.Context, id string, status model.FightStatus, winnerID *string, isDraw bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.fights[id]
	if !ok {
		return fmt.Errorf("fight %s: %w", id, ErrNotFound)
	}

	now := time.Now().UTC()
	f.Status = status
	f.WinnerID = cloneString(winnerID)
	f.IsDraw = isDraw

	switch status {
	case model.StatusLive:
		if f.StartedAt == nil {
			f.StartedAt = &now
		}
	case model.StatusFinished, model.StatusNoContest, model.StatusCancelled:
		if f.EndedAt == nil {
			f.EndedAt = &now
		}
	}
	return nil
}

// --- Participants ---

func (s *MemoryStore) AddParticipant(_ context.Context, p *model.FightParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.participants[p.FightID] {
		if existing.UserID == p.UserID {
			return fmt.Errorf("participant %s already in fight %s", p.UserID, p.FightID)
		}
	}
	s.participants[p.FightID] = append(s.participants[p.FightID], cloneParticipant(p))
	return nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, fightID, userID string) (*model.FightParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.findParticipant(fightID, userID)
	if p == nil {
		return nil, fmt.Errorf("participant %s in fight %s: %w", userID, fightID, ErrNotFound)
	}
	return cloneParticipant(p), nil
}

func (s *MemoryStore) GetParticipants(_ context.Context, fightID string) ([]model.FightParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.participants[fightID]
	out := make([]model.FightParticipant, 0, len(list))
	for _, p := range list {
		out = append(out, *cloneParticipant(p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *MemoryStore) MarkJoined(_ context.Context, fightID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findParticipant(fightID, userID)
	if p == nil {
		return fmt.Errorf("participant %s in fight %s: %w", userID, fightID, ErrNotFound)
	}
	joined := at
	p.JoinedAt = &joined
	return nil
}

func (s *MemoryStore) UpdateParticipantResult(_ context.Context, fightID, userID string, finalScore decimal.Decimal, externalTrades bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findParticipant(fightID, userID)
	if p == nil {
		return fmt.Errorf("participant %s in fight %s: %w", userID, fightID, ErrNotFound)
	}
	p.FinalScore = finalScore
	p.ExternalTrades = externalTrades
	return nil
}

func (s *MemoryStore) UpdateHighWaterMark(_ context.Context, fightID, userID string, hwm decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findParticipant(fightID, userID)
	if p == nil {
		return fmt.Errorf("participant %s in fight %s: %w", userID, fightID, ErrNotFound)
	}
	// Compare-and-set under the write lock: stale (lower) writes no-op.
	if hwm.GreaterThan(p.HighWaterMark) {
		p.HighWaterMark = hwm
	}
	return nil
}

// --- Trades ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.findParticipant(t.FightID, t.UserID)
	if p == nil {
		return fmt.Errorf("participant %s in fight %s: %w", t.UserID, t.FightID, ErrNotFound)
	}
	s.trades = append(s.trades, *t)
	p.TradeCount++
	return nil
}

func (s *MemoryStore) GetTradesByFight(_ context.Context, fightID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.FightID == fightID {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result, nil
}

func (s *MemoryStore) GetTradesByParticipant(_ context.Context, fightID, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.FightID == fightID && t.UserID == userID {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result, nil
}

// --- Sessions ---

func (s *MemoryStore) InsertSession(_ context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = append(s.sessions, *sess)
	return nil
}

func (s *MemoryStore) GetSessionsByFight(_ context.Context, fightID string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Session
	for _, sess := range s.sessions {
		if sess.FightID == fightID {
			result = append(result, sess)
		}
	}
	return result, nil
}

// --- Integrity queries ---

func (s *MemoryStore) CountFightsBetween(_ context.Context, userA, userB string, statuses []model.FightStatus, since time.Time, excludeFightID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allowed := make(map[model.FightStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}

	count := 0
	for id, f := range s.fights {
		if id == excludeFightID || !allowed[f.Status] || f.CreatedAt.Before(since) {
			continue
		}
		if s.hasPair(id, userA, userB) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SharedIPFightsBetween(_ context.Context, userA, userB string, since time.Time, excludeFightID string) ([]model.IPOverlap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var overlaps []model.IPOverlap
	for id, f := range s.fights {
		if id == excludeFightID || f.CreatedAt.Before(since) || !s.hasPair(id, userA, userB) {
			continue
		}

		ipsA := s.sessionIPs(id, userA)
		var shared []string
		for ip := range s.sessionIPs(id, userB) {
			if ipsA[ip] {
				shared = append(shared, ip)
			}
		}
		if len(shared) > 0 {
			sort.Strings(shared)
			overlaps = append(overlaps, model.IPOverlap{FightID: id, IPs: shared})
		}
	}

	sort.SliceStable(overlaps, func(i, j int) bool { return overlaps[i].FightID < overlaps[j].FightID })
	return overlaps, nil
}

// --- Audit trail ---

func (s *MemoryStore) InsertAuditEntry(_ context.Context, e *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audits = append(s.audits, *e)
	return nil
}

func (s *MemoryStore) GetAuditEntriesByFight(_ context.Context, fightID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for _, e := range s.audits {
		if e.FightID == fightID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Helpers (caller must hold the lock) ---

func (s *MemoryStore) findParticipant(fightID, userID string) *model.FightParticipant {
	for _, p := range s.participants[fightID] {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) hasPair(fightID, userA, userB string) bool {
	return s.findParticipant(fightID, userA) != nil && s.findParticipant(fightID, userB) != nil
}

func (s *MemoryStore) sessionIPs(fightID, userID string) map[string]bool {
	ips := make(map[string]bool)
	for _, sess := range s.sessions {
		if sess.FightID == fightID && sess.UserID == userID && sess.IP != "" && sess.IP != model.UnknownIP {
			ips[sess.IP] = true
		}
	}
	return ips
}

func sortTrades(trades []model.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})
}

func cloneFight(f *model.Fight) *model.Fight {
	c := *f
	c.StartedAt = cloneTime(f.StartedAt)
	c.EndedAt = cloneTime(f.EndedAt)
	c.WinnerID = cloneString(f.WinnerID)
	return &c
}

func cloneParticipant(p *model.FightParticipant) *model.FightParticipant {
	c := *p
	c.JoinedAt = cloneTime(p.JoinedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
