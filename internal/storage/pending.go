package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Pending entry kinds.
const (
	// PendingSubmit entries still need the downstream submission.
	PendingSubmit = "submit"
	// PendingCommit entries were submitted; only the ledger write is outstanding.
	PendingCommit = "commit"
)

// PendingEntry is one event waiting in the retry queue.
type PendingEntry struct {
	ID          string
	Kind        string
	BlockNumber uint64
	LogIndex    uint
	PayloadJSON string
	IntentID    string
	Receipt     string
	Attempts    int
	LastError   string
	Abandoned   bool
	UpdatedAt   time.Time
}

// EnqueuePending adds an entry or refreshes an existing one. Attempts are kept
// across refreshes, except that upgrading submit to commit and re-queueing an
// abandoned entry start a fresh budget. A commit entry never downgrades back
// to submit.
func (s *Store) EnqueuePending(ctx context.Context, e PendingEntry) error {
	if e.ID == "" || e.Kind == "" {
		return errors.New("pending id and kind required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending (id, kind, block_number, log_index, payload_json, intent_id, receipt, attempts, last_error, abandoned, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  kind = CASE WHEN pending.kind = 'commit' THEN pending.kind ELSE excluded.kind END,
  attempts = CASE
    WHEN pending.abandoned = 1 THEN 0
    WHEN pending.kind = 'submit' AND excluded.kind = 'commit' THEN 0
    ELSE pending.attempts
  END,
  abandoned = 0,
  intent_id = CASE WHEN excluded.intent_id != '' THEN excluded.intent_id ELSE pending.intent_id END,
  receipt = CASE WHEN excluded.receipt != '' THEN excluded.receipt ELSE pending.receipt END,
  last_error = excluded.last_error,
  updated_at = CURRENT_TIMESTAMP;
`, e.ID, e.Kind, e.BlockNumber, e.LogIndex, e.PayloadJSON, e.IntentID, e.Receipt, e.LastError)
	if err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

// ListPending returns live (not abandoned) entries in chain order.
func (s *Store) ListPending(ctx context.Context, limit int) ([]PendingEntry, error) {
	return s.queryPending(ctx, `WHERE abandoned = 0`, limit)
}

// ListAbandoned returns dead-lettered entries in chain order.
func (s *Store) ListAbandoned(ctx context.Context, limit int) ([]PendingEntry, error) {
	return s.queryPending(ctx, `WHERE abandoned = 1`, limit)
}

func (s *Store) queryPending(ctx context.Context, where string, limit int) ([]PendingEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, kind, block_number, log_index, payload_json, intent_id, receipt, attempts, last_error, abandoned, updated_at
FROM pending `+where+`
ORDER BY block_number, log_index
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []PendingEntry
	for rows.Next() {
		var (
			e         PendingEntry
			abandoned int
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.BlockNumber, &e.LogIndex, &e.PayloadJSON, &e.IntentID, &e.Receipt, &e.Attempts, &e.LastError, &abandoned, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		e.Abandoned = abandoned != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolvePending removes an entry once it no longer needs retrying.
func (s *Store) ResolvePending(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("resolve pending: %w", err)
	}
	return nil
}

// FailPending bumps the attempt count and dead-letters the entry once attempts
// reach maxAttempts. It reports whether the entry was abandoned.
func (s *Store) FailPending(ctx context.Context, id, lastErr string, maxAttempts int) (bool, error) {
	var abandoned bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM pending WHERE id = ?;`, id).Scan(&attempts); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("pending %s not found", id)
			}
			return fmt.Errorf("read pending: %w", err)
		}
		attempts++
		abandoned = maxAttempts > 0 && attempts >= maxAttempts
		flag := 0
		if abandoned {
			flag = 1
		}
		_, err := tx.ExecContext(ctx, `
UPDATE pending SET attempts = ?, last_error = ?, abandoned = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`, attempts, lastErr, flag, id)
		if err != nil {
			return fmt.Errorf("update pending: %w", err)
		}
		return nil
	})
	return abandoned, err
}

// PendingCounts returns live and abandoned queue sizes.
func (s *Store) PendingCounts(ctx context.Context) (live, abandoned int, err error) {
	err = s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN abandoned = 0 THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN abandoned = 1 THEN 1 ELSE 0 END), 0)
FROM pending;
`).Scan(&live, &abandoned)
	if err != nil {
		return 0, 0, fmt.Errorf("count pending: %w", err)
	}
	return live, abandoned, nil
}
