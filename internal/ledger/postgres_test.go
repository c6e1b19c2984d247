package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// Runs only when RELAYER_TEST_POSTGRES_DSN points at a disposable database.
func TestPostgresLedgerRoundTrip(t *testing.T) {
	dsn := os.Getenv("RELAYER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	l, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	id := fmt.Sprintf("0xtest%d-0", time.Now().UnixNano())
	st, err := l.Record(ctx, Record{ID: id, TxHash: "0xtest", BlockNumber: 1})
	if err != nil || st != Recorded {
		t.Fatalf("record: status=%v err=%v", st, err)
	}
	st, err = l.Record(ctx, Record{ID: id})
	if err != nil || st != AlreadyRecorded {
		t.Fatalf("second record: status=%v err=%v", st, err)
	}
	ok, err := l.Contains(ctx, id)
	if err != nil || !ok {
		t.Fatalf("contains: ok=%v err=%v", ok, err)
	}
}
