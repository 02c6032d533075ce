package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/futstar/momentum-engine/internal/model"
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

const positionColumns = `id, match_id, owner_id, side, stake::TEXT, entry_index,
		        entry_time, window_ms, state, flags, updated_at`

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, match_id, owner_id, side, stake, entry_index, entry_time, window_ms, state, flags, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET state = EXCLUDED.state, flags = EXCLUDED.flags, updated_at = EXCLUDED.updated_at`,
		p.ID, p.MatchID, p.OwnerID, string(p.Side), p.Stake.String(),
		p.EntryIndex, p.EntryTime, p.WindowDuration.Milliseconds(),
		p.State.String(), int16(p.Flags), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE owner_id = $1
		 ORDER BY entry_time DESC, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListLivePositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE state IN ('open', 'active')
		 ORDER BY entry_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) SaveSettlement(ctx context.Context, r *model.SettlementResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (position_id, owner_id, match_id, entry_index, exit_index,
		                          pnl_ratio, pnl, fee, payout, stale, receipt, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)
		 ON CONFLICT (position_id) DO UPDATE
		 SET receipt = EXCLUDED.receipt, settled_at = EXCLUDED.settled_at`,
		r.PositionID, r.OwnerID, r.MatchID, r.EntryIndex, r.ExitIndex,
		r.PnLRatio.String(), r.PnL.String(), r.Fee.String(), r.Payout.String(),
		r.Stale, r.Receipt, r.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("save settlement %s: %w", r.PositionID, err)
	}
	return nil
}

func (s *PostgresStore) GetSettlement(ctx context.Context, positionID string) (*model.SettlementResult, error) {
	var r model.SettlementResult
	var ratio, pnl, fee, payout string

	err := s.pool.QueryRow(ctx,
		`SELECT position_id, owner_id, match_id, entry_index, exit_index,
		        pnl_ratio::TEXT, pnl::TEXT, fee::TEXT, payout::TEXT,
		        stale, receipt, settled_at
		 FROM settlements WHERE position_id = $1`, positionID).
		Scan(&r.PositionID, &r.OwnerID, &r.MatchID, &r.EntryIndex, &r.ExitIndex,
			&ratio, &pnl, &fee, &payout,
			&r.Stale, &r.Receipt, &r.SettledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s: %w", positionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", positionID, err)
	}

	r.PnLRatio, _ = decimal.NewFromString(ratio)
	r.PnL, _ = decimal.NewFromString(pnl)
	r.Fee, _ = decimal.NewFromString(fee)
	r.Payout, _ = decimal.NewFromString(payout)
	return &r, nil
}

func (s *PostgresStore) AppendSamples(ctx context.Context, samples []model.MomentumSample) error {
	if len(samples) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range samples {
		batch.Queue(
			`INSERT INTO momentum_samples (match_id, ts, momentum_index, possession,
			                               shots_home, shots_away, xg_home, xg_away, field_tilt)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (match_id, ts) DO NOTHING`,
			m.MatchID, m.Timestamp, m.MomentumIndex, m.Possession,
			m.ShotsHome, m.ShotsAway, m.XGHome, m.XGAway, m.FieldTilt,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append samples: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSamples(ctx context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error) {
	// LIMIT NULL means no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT match_id, ts, momentum_index, possession,
		        shots_home, shots_away, xg_home, xg_away, field_tilt
		 FROM momentum_samples
		 WHERE match_id = $1 AND ts > $2
		 ORDER BY ts
		 LIMIT $3`, matchID, since, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MomentumSample
	for rows.Next() {
		var m model.MomentumSample
		if err := rows.Scan(&m.MatchID, &m.Timestamp, &m.MomentumIndex, &m.Possession,
			&m.ShotsHome, &m.ShotsAway, &m.XGHome, &m.XGAway, &m.FieldTilt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var side, stake, state string
	var windowMs int64
	var flags int16

	if err := row.Scan(&p.ID, &p.MatchID, &p.OwnerID, &side, &stake, &p.EntryIndex,
		&p.EntryTime, &windowMs, &state, &flags, &p.UpdatedAt); err != nil {
		return nil, err
	}

	st, err := model.ParsePositionState(state)
	if err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	p.Stake, _ = decimal.NewFromString(stake)
	p.WindowDuration = time.Duration(windowMs) * time.Millisecond
	p.State = st
	p.Flags = model.PositionFlag(flags)
	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}
