package ledger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestLedger(t *testing.T, path string) *FileLedger {
	t.Helper()
	l, err := OpenFile(path, quietLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestFileLedgerRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t, filepath.Join(t.TempDir(), "processed.jsonl"))

	rec := Record{ID: "0xabc-0", TxHash: "0xabc", BlockNumber: 7}
	st, err := l.Record(ctx, rec)
	if err != nil || st != Recorded {
		t.Fatalf("first record: status=%v err=%v", st, err)
	}
	st, err = l.Record(ctx, rec)
	if err != nil || st != AlreadyRecorded {
		t.Fatalf("second record: status=%v err=%v", st, err)
	}
	if n, _ := l.Count(ctx); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestFileLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "processed.jsonl")

	l, err := OpenFile(path, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, id := range []string{"0x1-0", "0x1-1", "0x2-0"} {
		if _, err := l.Record(ctx, Record{ID: id}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestLedger(t, path)
	for _, id := range []string{"0x1-0", "0x1-1", "0x2-0"} {
		ok, err := reopened.Contains(ctx, id)
		if err != nil || !ok {
			t.Fatalf("contains %s after reopen: ok=%v err=%v", id, ok, err)
		}
	}
	if ok, _ := reopened.Contains(ctx, "0x3-0"); ok {
		t.Fatalf("unexpected record 0x3-0")
	}

	recs, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != "0x1-0" || recs[2].ID != "0x2-0" {
		t.Fatalf("list order mismatch: %+v", recs)
	}
}

func TestFileLedgerDropsTornTail(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "processed.jsonl")
	content := `{"id":"0x1-0","tx_hash":"0x1"}` + "\n" + `{"id":"0x2-0","tx_ha`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	l := openTestLedger(t, path)
	if ok, _ := l.Contains(ctx, "0x1-0"); !ok {
		t.Fatalf("complete record lost")
	}
	if ok, _ := l.Contains(ctx, "0x2-0"); ok {
		t.Fatalf("torn record should not be loaded")
	}
	if _, err := l.Record(ctx, Record{ID: "0x3-0"}); err != nil {
		t.Fatalf("record after torn tail: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"0x3-0"`) {
		t.Fatalf("unexpected file after repair:\n%s", raw)
	}
}

func TestFileLedgerKeepsUnterminatedRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "processed.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"0x1-0"}`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	l := openTestLedger(t, path)
	if _, err := l.Record(ctx, Record{ID: "0x2-0"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	l.Close()

	reopened := openTestLedger(t, path)
	for _, id := range []string{"0x1-0", "0x2-0"} {
		if ok, _ := reopened.Contains(ctx, id); !ok {
			t.Fatalf("missing %s after reopen", id)
		}
	}
}

func TestFileLedgerRejectsCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.jsonl")
	content := "{\"id\":\"0x1-0\"}\nnot-json\n{\"id\":\"0x2-0\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := OpenFile(path, quietLogger()); err == nil {
		t.Fatalf("expected corrupt ledger to fail to open")
	}
}

func TestFileLedgerRequiresID(t *testing.T) {
	l := openTestLedger(t, filepath.Join(t.TempDir(), "processed.jsonl"))
	if _, err := l.Record(context.Background(), Record{}); err == nil {
		t.Fatalf("expected empty id to fail")
	}
	if _, err := l.Contains(context.Background(), ""); err == nil {
		t.Fatalf("expected empty id lookup to fail")
	}
}
