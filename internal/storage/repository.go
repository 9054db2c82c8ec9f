package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ledger-signals/internal/ledger"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSubEventsSQL = `CREATE TABLE IF NOT EXISTS sub_events (
        signature         TEXT        NOT NULL,
        instruction_index INTEGER     NOT NULL,
        address           TEXT        NOT NULL,
        kind              TEXT        NOT NULL,
        program           TEXT        NOT NULL DEFAULT '',
        source            TEXT        NOT NULL DEFAULT '',
        destination       TEXT        NOT NULL DEFAULT '',
        mint              TEXT        NOT NULL DEFAULT '',
        amount            NUMERIC     NOT NULL,
        amount_out        NUMERIC     NOT NULL DEFAULT 0,
        observed_at       TIMESTAMPTZ,
        created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY (signature, instruction_index, address)
    );`

	createSubEventsIndexSQL = `CREATE INDEX IF NOT EXISTS sub_events_address_created_idx
    ON sub_events (address, created_at DESC);`

	createAnomaliesSQL = `CREATE TABLE IF NOT EXISTS anomalies (
        id          BIGSERIAL PRIMARY KEY,
        address     TEXT             NOT NULL,
        metric      TEXT             NOT NULL,
        observed_at TIMESTAMPTZ,
        value       DOUBLE PRECISION NOT NULL,
        score       DOUBLE PRECISION NOT NULL,
        created_at  TIMESTAMPTZ      NOT NULL DEFAULT now()
    );`

	insertSubEventSQL = `INSERT INTO sub_events (
        signature,
        instruction_index,
        address,
        kind,
        program,
        source,
        destination,
        mint,
        amount,
        amount_out,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (signature, instruction_index, address) DO NOTHING;`

	listRecentEventsSQL = `SELECT
        signature,
        instruction_index,
        address,
        kind,
        program,
        source,
        destination,
        mint,
        amount::text,
        amount_out::text,
        observed_at,
        created_at
    FROM sub_events
    WHERE ($1::text = '' OR address = $1)
    ORDER BY created_at DESC, signature, instruction_index
    LIMIT $2;`

	countEventsSQL = `SELECT COUNT(*) FROM sub_events WHERE ($1::text = '' OR address = $1);`

	insertAnomalySQL = `INSERT INTO anomalies (
        address,
        metric,
        observed_at,
        value,
        score
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, created_at;`

	listRecentAnomaliesSQL = `SELECT
        id,
        address,
        metric,
        observed_at,
        value,
        score,
        created_at
    FROM anomalies
    WHERE ($1::text = '' OR address = $1)
    ORDER BY created_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore persists sub-events idempotently.
type EventStore interface {
	InsertSubEvents(ctx context.Context, records []SubEventRecord) (int64, error)
	ListRecentEvents(ctx context.Context, address string, limit int) ([]SubEventRecord, error)
	CountEvents(ctx context.Context, address string) (int64, error)
}

// AnomalyStore defines operations for anomaly auditing.
type AnomalyStore interface {
	InsertAnomaly(ctx context.Context, rec AnomalyRecord) (AnomalyRecord, error)
	ListRecentAnomalies(ctx context.Context, address string, limit int) ([]AnomalyRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ EventStore     = (*Store)(nil)
	_ AnomalyStore   = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// Store aggregates access to sub-events and anomalies.
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

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createSubEventsSQL, createSubEventsIndexSQL, createAnomaliesSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
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
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertSubEvents writes records in one batch. Rows already present are
// skipped; the count of newly inserted rows is returned.
func (s *Store) InsertSubEvents(ctx context.Context, records []SubEventRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(insertSubEventSQL, subEventArgs(rec)...)
	}

	br := pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for range records {
		tag, execErr := br.Exec()
		if execErr != nil {
			return inserted, fmt.Errorf("insert sub event: %w", execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// HandleEvent persists one delivered sub-event. Redeliveries are no-ops,
// which makes the store a safe at-least-once consumer.
func (s *Store) HandleEvent(ctx context.Context, address string, ev ledger.SubEvent) error {
	_, err := s.InsertSubEvents(ctx, []SubEventRecord{NewSubEventRecord(address, ev)})
	return err
}

// ListRecentEvents lists the newest stored events; an empty address lists all.
func (s *Store) ListRecentEvents(ctx context.Context, address string, limit int) ([]SubEventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, address, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	records := make([]SubEventRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanSubEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountEvents counts stored events; an empty address counts all.
func (s *Store) CountEvents(ctx context.Context, address string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL, address).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count events: %w", scanErr)
	}
	return count, nil
}

// InsertAnomaly records a flagged sample.
func (s *Store) InsertAnomaly(ctx context.Context, rec AnomalyRecord) (AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AnomalyRecord{}, err
	}

	var observed interface{}
	if rec.ObservedAt != nil {
		observed = rec.ObservedAt.UTC()
	}

	row := pool.QueryRow(ctx, insertAnomalySQL, rec.Address, rec.Metric, observed, rec.Value, rec.Score)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AnomalyRecord{}, fmt.Errorf("insert anomaly: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAnomalies lists the newest anomalies; an empty address lists all.
func (s *Store) ListRecentAnomalies(ctx context.Context, address string, limit int) ([]AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, address, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	out := make([]AnomalyRecord, 0, limit)
	for rows.Next() {
		var rec AnomalyRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Address,
			&rec.Metric,
			&rec.ObservedAt,
			&rec.Value,
			&rec.Score,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func subEventArgs(rec SubEventRecord) []interface{} {
	var observed interface{}
	if rec.ObservedAt != nil {
		observed = rec.ObservedAt.UTC()
	}
	return []interface{}{
		rec.Signature,
		rec.InstructionIndex,
		rec.Address,
		rec.Kind,
		rec.Program,
		rec.Source,
		rec.Destination,
		rec.Mint,
		rec.Amount.String(),
		rec.AmountOut.String(),
		observed,
	}
}

func scanSubEvent(rows pgx.Rows) (SubEventRecord, error) {
	var (
		rec          SubEventRecord
		amountStr    string
		amountOutStr string
	)

	if err := rows.Scan(
		&rec.Signature,
		&rec.InstructionIndex,
		&rec.Address,
		&rec.Kind,
		&rec.Program,
		&rec.Source,
		&rec.Destination,
		&rec.Mint,
		&amountStr,
		&amountOutStr,
		&rec.ObservedAt,
		&rec.CreatedAt,
	); err != nil {
		return SubEventRecord{}, err
	}

	var err error
	rec.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return SubEventRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	rec.AmountOut, err = decimal.NewFromString(amountOutStr)
	if err != nil {
		return SubEventRecord{}, fmt.Errorf("parse amount out: %w", err)
	}
	return rec, nil
}
