package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/arenax/fight-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// parseNumeric converts a NUMERIC::TEXT column to decimal. Unparseable
// values degrade to zero with a data-quality warning instead of failing
// the whole read.
func parseNumeric(raw, column string) decimal.Decimal {
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("unparseable numeric treated as zero", "column", column, "value", raw)
		return decimal.Zero
	}
	return dec
}

// --- Fights ---

func (s *PostgresStore) CreateFight(ctx context.Context, f *model.Fight) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fights (id, status, stake, duration_sec, created_at, started_at, ended_at, winner_id, is_draw)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)`,
		f.ID, string(f.Status), f.Stake.String(), f.DurationSec,
		f.CreatedAt, f.StartedAt, f.EndedAt, f.WinnerID, f.IsDraw,
	)
	return err
}

func (s *PostgresStore) GetFight(ctx context.Context, id string) (*model.Fight, error) {
	var f model.Fight
	var stake string

	err := s.pool.QueryRow(ctx,
		`SELECT id, status, stake::TEXT, duration_sec, created_at, started_at, ended_at, winner_id, is_draw
		 FROM fights WHERE id = $1`, id).
		Scan(&f.ID, &f.Status, &stake, &f.DurationSec,
			&f.CreatedAt, &f.StartedAt, &f.EndedAt, &f.WinnerID, &f.IsDraw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get fight %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get fight %s: %w", id, err)
	}

	f.Stake = parseNumeric(stake, "fights.stake")
	return &f, nil
}

func (s *PostgresStore) UpdateFightStatus(ctx context.Context, id string, status model.FightStatus, winnerID *string, isDraw bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fights
		 SET status = $2,
		     winner_id = $3,
		     is_draw = $4,
		     started_at = CASE WHEN $2 = 'LIVE' AND started_at IS NULL THEN now() ELSE started_at END,
		     ended_at   = CASE WHEN $2 IN ('FINISHED', 'NO_CONTEST', 'CANCELLED') AND ended_at IS NULL THEN now() ELSE ended_at END
		 WHERE id = $1`,
		id, string(status), winnerID, isDraw,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update fight %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Participants ---

func (s *PostgresStore) AddParticipant(ctx context.Context, p *model.FightParticipant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fight_participants (fight_id, user_id, slot, stake, high_water_mark, trade_count, final_score, external_trades, joined_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)`,
		p.FightID, p.UserID, string(p.Slot),
		p.Stake.String(), p.HighWaterMark.String(), p.TradeCount,
		p.FinalScore.String(), p.ExternalTrades, p.JoinedAt,
	)
	return err
}

const participantColumns = `fight_id, user_id, slot, stake::TEXT, high_water_mark::TEXT, trade_count, final_score::TEXT, external_trades, joined_at`

func (s *PostgresStore) GetParticipant(ctx context.Context, fightID, userID string) (*model.FightParticipant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+`
		 FROM fight_participants WHERE fight_id = $1 AND user_id = $2`,
		fightID, userID)

	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get participant %s in fight %s: %w", userID, fightID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get participant %s in fight %s: %w", userID, fightID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetParticipants(ctx context.Context, fightID string) ([]model.FightParticipant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+`
		 FROM fight_participants WHERE fight_id = $1 ORDER BY slot`, fightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []model.FightParticipant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) MarkJoined(ctx context.Context, fightID, userID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fight_participants SET joined_at = $3
		 WHERE fight_id = $1 AND user_id = $2`,
		fightID, userID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark joined %s in fight %s: %w", userID, fightID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateParticipantResult(ctx context.Context, fightID, userID string, finalScore decimal.Decimal, externalTrades bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE fight_participants SET final_score = $3::NUMERIC, external_trades = $4
		 WHERE fight_id = $1 AND user_id = $2`,
		fightID, userID, finalScore.String(), externalTrades,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update result %s in fight %s: %w", userID, fightID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateHighWaterMark(ctx context.Context, fightID, userID string, hwm decimal.Decimal) error {
	// Monotonic compare-and-set at the row level: the condition makes a
	// stale write affect zero rows, which is not an error.
	_, err := s.pool.Exec(ctx,
		`UPDATE fight_participants SET high_water_mark = $3::NUMERIC
		 WHERE fight_id = $1 AND user_id = $2 AND high_water_mark < $3::NUMERIC`,
		fightID, userID, hwm.String(),
	)
	return err
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, fight_id, user_id, symbol, side, amount, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.FightID, t.UserID, t.Symbol, string(t.Side),
		t.Amount.String(), t.Price.String(), t.ExecutedAt,
	)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE fight_participants SET trade_count = trade_count + 1
		 WHERE fight_id = $1 AND user_id = $2`,
		t.FightID, t.UserID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert trade for %s in fight %s: %w", t.UserID, t.FightID, ErrNotFound)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTradesByFight(ctx context.Context, fightID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fight_id, user_id, symbol, side, amount::TEXT, price::TEXT, executed_at
		 FROM trades WHERE fight_id = $1 ORDER BY executed_at, id`, fightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByParticipant(ctx context.Context, fightID, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fight_id, user_id, symbol, side, amount::TEXT, price::TEXT, executed_at
		 FROM trades WHERE fight_id = $1 AND user_id = $2 ORDER BY executed_at, id`, fightID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// --- Sessions ---

func (s *PostgresStore) InsertSession(ctx context.Context, sess *model.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, fight_id, user_id, ip, user_agent, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.FightID, sess.UserID, sess.IP, sess.UserAgent,
		string(sess.Type), sess.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSessionsByFight(ctx context.Context, fightID string) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fight_id, user_id, ip, user_agent, type, created_at
		 FROM sessions WHERE fight_id = $1 ORDER BY created_at`, fightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.FightID, &sess.UserID,
			&sess.IP, &sess.UserAgent, &sess.Type, &sess.CreatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Integrity queries ---

func (s *PostgresStore) CountFightsBetween(ctx context.Context, userA, userB string, statuses []model.FightStatus, since time.Time, excludeFightID string) (int, error) {
	statusList := make([]string, len(statuses))
	for i, st := range statuses {
		statusList[i] = string(st)
	}

	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM fights f
		 JOIN fight_participants pa ON pa.fight_id = f.id AND pa.user_id = $1
		 JOIN fight_participants pb ON pb.fight_id = f.id AND pb.user_id = $2
		 WHERE f.status = ANY($3)
		   AND f.created_at >= $4
		   AND ($5 = '' OR f.id <> $5)`,
		userA, userB, statusList, since, excludeFightID).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count fights between %s and %s: %w", userA, userB, err)
	}
	return count, nil
}

func (s *PostgresStore) SharedIPFightsBetween(ctx context.Context, userA, userB string, since time.Time, excludeFightID string) ([]model.IPOverlap, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s1.fight_id, s1.ip
		 FROM sessions s1
		 JOIN sessions s2 ON s2.fight_id = s1.fight_id AND s2.ip = s1.ip
		 JOIN fights f ON f.id = s1.fight_id
		 WHERE s1.user_id = $1 AND s2.user_id = $2
		   AND s1.ip <> '' AND s1.ip <> 'unknown'
		   AND f.created_at >= $3
		   AND ($4 = '' OR s1.fight_id <> $4)
		 GROUP BY s1.fight_id, s1.ip
		 ORDER BY s1.fight_id, s1.ip`,
		userA, userB, since, excludeFightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overlaps []model.IPOverlap
	for rows.Next() {
		var fightID, ip string
		if err := rows.Scan(&fightID, &ip); err != nil {
			return nil, err
		}
		if n := len(overlaps); n > 0 && overlaps[n-1].FightID == fightID {
			overlaps[n-1].IPs = append(overlaps[n-1].IPs, ip)
		} else {
			overlaps = append(overlaps, model.IPOverlap{FightID: fightID, IPs: []string{ip}})
		}
	}
	return overlaps, rows.Err()
}

// --- Audit trail ---

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	meta, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("marshal audit meta: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO fight_audit (id, fight_id, rule, tag, message, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7)`,
		e.ID, e.FightID, e.Rule, e.Tag, e.Message, string(meta), e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAuditEntriesByFight(ctx context.Context, fightID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fight_id, rule, tag, message, meta::TEXT, created_at
		 FROM fight_audit WHERE fight_id = $1 ORDER BY created_at`, fightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.FightID, &e.Rule, &e.Tag, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
				slog.Warn("unparseable audit meta", "audit_id", e.ID, "err", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanParticipant(row pgxRow) (*model.FightParticipant, error) {
	var p model.FightParticipant
	var stake, hwm, score string

	if err := row.Scan(&p.FightID, &p.UserID, &p.Slot,
		&stake, &hwm, &p.TradeCount, &score, &p.ExternalTrades, &p.JoinedAt); err != nil {
		return nil, err
	}

	p.Stake = parseNumeric(stake, "fight_participants.stake")
	p.HighWaterMark = parseNumeric(hwm, "fight_participants.high_water_mark")
	p.FinalScore = parseNumeric(score, "fight_participants.final_score")
	return &p, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var amount, price string

		if err := rows.Scan(&t.ID, &t.FightID, &t.UserID, &t.Symbol, &t.Side,
			&amount, &price, &t.ExecutedAt); err != nil {
			return nil, err
		}

		t.Amount = parseNumeric(amount, "trades.amount")
		t.Price = parseNumeric(price, "trades.price")
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
