package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `CREATE TABLE IF NOT EXISTS volatility_readings (
        id              BIGSERIAL PRIMARY KEY,
        observed_at     TIMESTAMPTZ NOT NULL,
        price           NUMERIC     NOT NULL,
        source          TEXT        NOT NULL,
        volatility_pct  NUMERIC,
        window_samples  INTEGER     NOT NULL,
        created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS volatility_readings_observed_at_idx
        ON volatility_readings (observed_at);`

	insertReadingSQL = `INSERT INTO volatility_readings (
        observed_at,
        price,
        source,
        volatility_pct,
        window_samples
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	listReadingsBetweenSQL = `SELECT
        id,
        observed_at,
        price::text,
        source,
        volatility_pct::text,
        window_samples,
        created_at
    FROM volatility_readings
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at, id;`

	listRecentReadingsSQL = `SELECT
        id,
        observed_at,
        price::text,
        source,
        volatility_pct::text,
        window_samples,
        created_at
    FROM volatility_readings
    ORDER BY observed_at DESC, id DESC
    LIMIT $1;`

	countReadingsSQL = `SELECT COUNT(*) FROM volatility_readings;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReadingStore journals per-cycle readings. Readings are never fed back into the estimator.
type ReadingStore interface {
	InsertReading(ctx context.Context, reading Reading) (Reading, error)
	ListReadingsBetween(ctx context.Context, from, to time.Time) ([]Reading, error)
	ListRecentReadings(ctx context.Context, limit int) ([]Reading, error)
	CountReadings(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL-backed reading journal.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the journal table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertReading appends a reading and returns it with its assigned id.
func (s *Store) InsertReading(ctx context.Context, reading Reading) (Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return Reading{}, err
	}

	var vol interface{}
	if reading.VolatilityPct != nil {
		vol = reading.VolatilityPct.String()
	}

	row := pool.QueryRow(ctx, insertReadingSQL,
		reading.ObservedAt.UTC(),
		reading.Price.String(),
		reading.Source,
		vol,
		reading.WindowSamples,
	)
	if err := row.Scan(&reading.ID, &reading.CreatedAt); err != nil {
		return Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	return reading, nil
}

// ListReadingsBetween lists readings observed in [from, to).
func (s *Store) ListReadingsBetween(ctx context.Context, from, to time.Time) ([]Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listReadingsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list readings between: %w", queryErr)
	}
	defer rows.Close()

	return collectReadings(rows, 0)
}

// ListRecentReadings lists the most recent readings, newest first.
func (s *Store) ListRecentReadings(ctx context.Context, limit int) ([]Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentReadingsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent readings: %w", queryErr)
	}
	defer rows.Close()

	return collectReadings(rows, limit)
}

// CountReadings counts stored readings.
func (s *Store) CountReadings(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReadingsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count readings: %w", scanErr)
	}
	return count, nil
}

func collectReadings(rows pgx.Rows, capacity int) ([]Reading, error) {
	readings := make([]Reading, 0, capacity)
	for rows.Next() {
		var (
			rec      Reading
			priceStr string
			volStr   *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ObservedAt,
			&priceStr,
			&rec.Source,
			&volStr,
			&rec.WindowSamples,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var err error
		rec, err = fillDecimals(rec, priceStr, volStr)
		if err != nil {
			return nil, err
		}
		readings = append(readings, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

func fillDecimals(rec Reading, priceStr string, volStr *string) (Reading, error) {
	p, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Reading{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Price = p

	if volStr != nil {
		v, err := decimal.NewFromString(*volStr)
		if err != nil {
			return Reading{}, fmt.Errorf("parse volatility pct: %w", err)
		}
		rec.VolatilityPct = &v
	}
	return rec, nil
}

var (
	_ ReadingStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
