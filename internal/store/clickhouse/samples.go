// Package clickhouse stores the momentum sample audit trail in ClickHouse.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/futstar/momentum-engine/internal/model"
	"github.com/futstar/momentum-engine/internal/store"
	"github.com/futstar/momentum-engine/internal/store/migrations"
)

// Open connects to ClickHouse using a clickhouse:// DSN, verifies the
// connection and applies the embedded migrations.
func Open(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := migrations.RunClickhouse(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// SampleStore implements store.SampleStore using ClickHouse. The table is
// a ReplacingMergeTree keyed by (match_id, ts), so replays collapse.
type SampleStore struct {
	conn driver.Conn
}

// NewSampleStore creates a SampleStore.
func NewSampleStore(conn driver.Conn) *SampleStore {
	return &SampleStore{conn: conn}
}

// Compile-time interface check.
var _ store.SampleStore = (*SampleStore)(nil)

// AppendSamples inserts samples in one batch.
func (s *SampleStore) AppendSamples(ctx context.Context, samples []model.MomentumSample) error {
	if len(samples) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO momentum_samples (
			match_id, ts, momentum_index, possession,
			shots_home, shots_away, xg_home, xg_away, field_tilt
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, m := range samples {
		err = batch.Append(
			m.MatchID, m.Timestamp.UTC(), uint8(m.MomentumIndex), m.Possession,
			uint32(m.ShotsHome), uint32(m.ShotsAway), m.XGHome, m.XGAway, m.FieldTilt,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ListSamples retrieves samples of a match after since, ordered by
// timestamp ASC.
func (s *SampleStore) ListSamples(ctx context.Context, matchID string, since time.Time, limit int) ([]model.MomentumSample, error) {
	query := `
		SELECT match_id, ts, momentum_index, possession,
		       shots_home, shots_away, xg_home, xg_away, field_tilt
		FROM momentum_samples FINAL
		WHERE match_id = ? AND ts > ?
		ORDER BY ts ASC
	`
	args := []any{matchID, since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, uint64(limit))
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []model.MomentumSample
	for rows.Next() {
		var m model.MomentumSample
		var index uint8
		var shotsHome, shotsAway uint32
		if err := rows.Scan(&m.MatchID, &m.Timestamp, &index, &m.Possession,
			&shotsHome, &shotsAway, &m.XGHome, &m.XGAway, &m.FieldTilt); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		m.MomentumIndex = int(index)
		m.ShotsHome = int(shotsHome)
		m.ShotsAway = int(shotsAway)
		out = append(out, m)
	}
	return out, rows.Err()
}
