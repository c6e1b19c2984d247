package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLedger keeps records in a shared Postgres table. Exclusive use by a
// single relayer is still assumed; the primary key only guards duplicates.
type PostgresLedger struct {
	db *sql.DB
}

// OpenPostgres connects, pings, and creates the ledger table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	l := &PostgresLedger{db: db}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *PostgresLedger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS relayer_processed (
  id            TEXT PRIMARY KEY,
  tx_hash       TEXT NOT NULL,
  log_index     BIGINT NOT NULL,
  block_number  BIGINT NOT NULL,
  intent_id     TEXT NOT NULL DEFAULT '',
  receipt       TEXT NOT NULL DEFAULT '',
  recorded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  seq           BIGSERIAL
)`)
	if err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Contains(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrIDRequired
	}
	var exists int
	err := l.db.QueryRowContext(ctx, `SELECT 1 FROM relayer_processed WHERE id = $1 LIMIT 1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	return true, nil
}

// Record inserts rec; the commit is durable once Postgres acknowledges it.
func (l *PostgresLedger) Record(ctx context.Context, rec Record) (Status, error) {
	if rec.ID == "" {
		return 0, ErrIDRequired
	}
	rec = stamp(rec)
	res, err := l.db.ExecContext(ctx, `
INSERT INTO relayer_processed (id, tx_hash, log_index, block_number, intent_id, receipt, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.TxHash, int64(rec.LogIndex), int64(rec.BlockNumber), rec.IntentID, rec.Receipt, rec.RecordedAt)
	if err != nil {
		return 0, fmt.Errorf("insert ledger record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger rows affected: %w", err)
	}
	if n == 0 {
		return AlreadyRecorded, nil
	}
	return Recorded, nil
}

func (l *PostgresLedger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM relayer_processed`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}

func (l *PostgresLedger) List(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, tx_hash, log_index, block_number, intent_id, receipt, recorded_at
FROM relayer_processed ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec      Record
			logIndex int64
			block    int64
		)
		if err := rows.Scan(&rec.ID, &rec.TxHash, &logIndex, &block, &rec.IntentID, &rec.Receipt, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan ledger record: %w", err)
		}
		rec.LogIndex = uint(logIndex)
		rec.BlockNumber = uint64(block)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *PostgresLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
