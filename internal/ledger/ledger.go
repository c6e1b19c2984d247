// Package ledger defines the durable record of relayed lock events and its
// file and Postgres backends. The SQLite backend lives in internal/storage.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Record is the persisted fact that an event identity was fully relayed.
type Record struct {
	ID          string    `json:"id"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint      `json:"log_index"`
	BlockNumber uint64    `json:"block_number"`
	IntentID    string    `json:"intent_id"`
	Receipt     string    `json:"receipt"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Status is the non-error outcome of Record.
type Status int

const (
	Recorded Status = iota + 1
	AlreadyRecorded
)

func (s Status) String() string {
	switch s {
	case Recorded:
		return "recorded"
	case AlreadyRecorded:
		return "already_recorded"
	default:
		return "unknown"
	}
}

// Ledger is an append-only set of relayed event identities.
// Record must not return before the record is durable.
type Ledger interface {
	Contains(ctx context.Context, id string) (bool, error)
	Record(ctx context.Context, rec Record) (Status, error)
	Count(ctx context.Context) (int, error)
	List(ctx context.Context) ([]Record, error)
}

// ErrIDRequired is returned when a record or lookup has an empty identity.
var ErrIDRequired = errors.New("ledger: record id required")

func stamp(rec Record) Record {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	return rec
}
