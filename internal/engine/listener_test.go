package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fetchResult struct {
	events []Event
	next   Checkpoint
	err    error
}

// fakeSource replays batches in order and repeats the last one once exhausted.
type fakeSource struct {
	connected  bool
	healthy    bool
	connectErr error
	connects   int
	start      Checkpoint
	batches    []fetchResult
	fetches    int
	seen       []Checkpoint
}

func (f *fakeSource) Connect(ctx context.Context) error {
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected, f.healthy = true, true
	return nil
}

func (f *fakeSource) Connected() bool { return f.connected }
func (f *fakeSource) IsHealthy(ctx context.Context) bool { return f.healthy }

func (f *fakeSource) FetchNewEvents(ctx context.Context, cp Checkpoint) ([]Event, Checkpoint, error) {
	f.seen = append(f.seen, cp)
	if len(f.batches) == 0 {
		return nil, cp, nil
	}
	idx := f.fetches
	if idx >= len(f.batches) {
		idx = len(f.batches) - 1
	}
	f.fetches++
	r := f.batches[idx]
	if r.err != nil {
		return nil, cp, r.err
	}
	return r.events, r.next, nil
}

func (f *fakeSource) StartCheckpoint(ctx context.Context, startBlock string) (Checkpoint, error) {
	return f.start, nil
}

func newTestListener(t *testing.T, src Source, p *Processor, state State, opts ListenerOptions) *Listener {
	t.Helper()
	if opts.SourceID == "" {
		opts.SourceID = "src"
	}
	l := NewListener(src, p, state, opts)
	l.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return l
}

func TestListenerRescanSkipsDuplicate(t *testing.T) {
	store := newTestStore(t)
	sub := &fakeSubmitter{}
	// Rescan: the checkpoint never moves past the event's block.
	src := &fakeSource{connected: true, healthy: true, start: Checkpoint{Height: 99}, batches: []fetchResult{
		{events: []Event{lockEvent("0xabc", 100, 0, 100)}, next: Checkpoint{Height: 99}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, store, sub), store, ListenerOptions{})
	ctx := context.Background()

	res, err := l.RunOnce(ctx)
	if err != nil || res.Processed != 1 {
		t.Fatalf("first cycle: res=%+v err=%v", res, err)
	}
	if ok, _ := store.Contains(ctx, "0xabc-0"); !ok {
		t.Fatalf("ledger missing 0xabc")
	}

	res, err = l.RunOnce(ctx)
	if err != nil || res.Skipped != 1 || res.Processed != 0 {
		t.Fatalf("second cycle: res=%+v err=%v", res, err)
	}
	if len(sub.calls) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(sub.calls))
	}
}

func TestListenerProcessesInFetchOrder(t *testing.T) {
	store := newTestStore(t)
	sub := &fakeSubmitter{}
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{{
		events: []Event{
			lockEvent("0xa", 5, 0, 1),
			lockEvent("0xa", 5, 1, 1),
			lockEvent("0xb", 7, 0, 1),
		},
		next: Checkpoint{Height: 7, Hash: "0x07"},
	}}}
	l := newTestListener(t, src, newTestProcessor(t, store, sub), store, ListenerOptions{})

	if _, err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"0xa-0", "0xa-1", "0xb-0"}
	if len(sub.calls) != len(want) {
		t.Fatalf("calls=%v", sub.calls)
	}
	for i := range want {
		if sub.calls[i] != want[i] {
			t.Fatalf("order: got %v want %v", sub.calls, want)
		}
	}
	h, hash, ok, _ := store.GetCursor(context.Background(), "src")
	if !ok || h != 7 || hash != "0x07" {
		t.Fatalf("checkpoint not persisted: %d %s %v", h, hash, ok)
	}
}

func TestListenerRejectsZeroAmountAndContinues(t *testing.T) {
	store := newTestStore(t)
	sub := &fakeSubmitter{}
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{
		{events: []Event{lockEvent("0xbad", 3, 0, 0)}, next: Checkpoint{Height: 3}},
		{events: []Event{lockEvent("0xgood", 4, 0, 5)}, next: Checkpoint{Height: 4}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, store, sub), store, ListenerOptions{})
	ctx := context.Background()

	res, err := l.RunOnce(ctx)
	if err != nil || res.Rejected != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Fatalf("ledger modified by rejected event")
	}
	if l.Checkpoint().Height != 3 {
		t.Fatalf("checkpoint did not advance past rejected event")
	}

	res, err = l.RunOnce(ctx)
	if err != nil || res.Processed != 1 {
		t.Fatalf("next cycle: res=%+v err=%v", res, err)
	}
}

func TestListenerFetchErrorKeepsCheckpoint(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{connected: true, healthy: true, start: Checkpoint{Height: 10}, batches: []fetchResult{
		{err: &FetchError{From: 11, Err: errors.New("connection reset")}},
		{next: Checkpoint{Height: 12}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, store, &fakeSubmitter{}), store, ListenerOptions{})
	ctx := context.Background()

	res, err := l.RunOnce(ctx)
	if err != nil || !res.FetchFailed || l.Checkpoint().Height != 10 {
		t.Fatalf("res=%+v err=%v cp=%d", res, err, l.Checkpoint().Height)
	}
	if _, _, ok, _ := store.GetCursor(ctx, "src"); ok {
		t.Fatalf("checkpoint persisted after failed fetch")
	}

	if _, err := l.RunOnce(ctx); err != nil || l.Checkpoint().Height != 12 || l.CheckpointHeight() != 12 {
		t.Fatalf("recovery: err=%v cp=%d", err, l.Checkpoint().Height)
	}
	if src.seen[1].Height != 10 {
		t.Fatalf("refetch did not reuse the old checkpoint: %+v", src.seen)
	}
}

func TestListenerRetriesFailedSubmission(t *testing.T) {
	store := newTestStore(t)
	sub := &fakeSubmitter{fails: 1}
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{
		{events: []Event{lockEvent("0xabc", 5, 2, 9)}, next: Checkpoint{Height: 5}},
		{next: Checkpoint{Height: 6}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, store, sub), store, ListenerOptions{MaxRetries: 3})
	ctx := context.Background()

	res, err := l.RunOnce(ctx)
	if err != nil || res.Failed != 1 || l.Checkpoint().Height != 5 {
		t.Fatalf("first: res=%+v err=%v", res, err)
	}
	pending, _ := store.ListPending(ctx, 0)
	if len(pending) != 1 || pending[0].ID != "0xabc-2" {
		t.Fatalf("pending=%+v", pending)
	}

	res, err = l.RunOnce(ctx)
	if err != nil || res.Retried != 1 || res.Processed != 1 {
		t.Fatalf("second: res=%+v err=%v", res, err)
	}
	if live, dead, _ := store.PendingCounts(ctx); live != 0 || dead != 0 {
		t.Fatalf("queue not drained: live=%d dead=%d", live, dead)
	}
	if ok, _ := store.Contains(ctx, "0xabc-2"); !ok {
		t.Fatalf("retried event not recorded")
	}
}

func TestListenerAbandonsAfterMaxRetries(t *testing.T) {
	store := newTestStore(t)
	sub := &fakeSubmitter{err: errors.New("always down")}
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{
		{events: []Event{lockEvent("0xabc", 5, 0, 9)}, next: Checkpoint{Height: 5}},
		{next: Checkpoint{Height: 5}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, store, sub), store, ListenerOptions{MaxRetries: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	live, dead, _ := store.PendingCounts(ctx)
	if live != 0 || dead != 1 {
		t.Fatalf("live=%d dead=%d", live, dead)
	}
	if len(sub.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(sub.calls))
	}

	// Abandoned entries are not retried again.
	if _, err := l.RunOnce(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(sub.calls) != 3 {
		t.Fatalf("abandoned entry retried")
	}
}

func TestListenerCommitRetryDoesNotResubmit(t *testing.T) {
	store := newTestStore(t)
	fl := &flakyLedger{Ledger: store, failRecords: 1}
	sub := &fakeSubmitter{}
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{
		{events: []Event{lockEvent("0xabc", 5, 0, 9)}, next: Checkpoint{Height: 5}},
		{next: Checkpoint{Height: 5}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, fl, sub), store, ListenerOptions{MaxRetries: 3})
	ctx := context.Background()

	if _, err := l.RunOnce(ctx); err != nil {
		t.Fatalf("first: %v", err)
	}
	pending, _ := store.ListPending(ctx, 0)
	if len(pending) != 1 || pending[0].Kind != "commit" || pending[0].Receipt != "ref-0xabc-0" {
		t.Fatalf("pending=%+v", pending)
	}

	if _, err := l.RunOnce(ctx); err != nil {
		t.Fatalf("second: %v", err)
	}
	if ok, _ := store.Contains(ctx, "0xabc-0"); !ok {
		t.Fatalf("commit retry did not record")
	}
	if len(sub.calls) != 1 {
		t.Fatalf("commit retry resubmitted: %d calls", len(sub.calls))
	}
	recs, _ := store.List(ctx)
	if len(recs) != 1 || recs[0].Receipt != "ref-0xabc-0" {
		t.Fatalf("records=%+v", recs)
	}
}

func TestListenerLedgerRetryGetsFreshBudget(t *testing.T) {
	store := newTestStore(t)
	fl := &flakyLedger{Ledger: store}
	sub := &fakeSubmitter{fails: 3}
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{
		{events: []Event{lockEvent("0xabc", 5, 0, 9)}, next: Checkpoint{Height: 5}},
		{next: Checkpoint{Height: 5}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, fl, sub), store, ListenerOptions{MaxRetries: 3})
	ctx := context.Background()

	// One fresh failure and two failed retries spend most of the submit budget.
	for i := 0; i < 3; i++ {
		if _, err := l.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	pending, _ := store.ListPending(ctx, 0)
	if len(pending) != 1 || pending[0].Kind != "submit" || pending[0].Attempts != 2 {
		t.Fatalf("pending=%+v", pending)
	}

	// The next retry submits but the ledger write fails.
	fl.failRecords = 1
	if _, err := l.RunOnce(ctx); err != nil {
		t.Fatalf("upgrade cycle: %v", err)
	}
	pending, _ = store.ListPending(ctx, 0)
	if len(pending) != 1 || pending[0].Kind != "commit" || pending[0].Attempts != 0 {
		t.Fatalf("commit entry should start with a fresh budget: %+v", pending)
	}

	if _, err := l.RunOnce(ctx); err != nil {
		t.Fatalf("commit cycle: %v", err)
	}
	if ok, _ := store.Contains(ctx, "0xabc-0"); !ok {
		t.Fatalf("ledger write never retried")
	}
	if live, dead, _ := store.PendingCounts(ctx); live != 0 || dead != 0 {
		t.Fatalf("live=%d dead=%d", live, dead)
	}
	if len(sub.calls) != 4 {
		t.Fatalf("expected 4 submissions, got %d", len(sub.calls))
	}
}

func TestListenerConnectionErrorIsFatal(t *testing.T) {
	store := newTestStore(t)
	cerr := &ConnectionError{Endpoint: "http://rpc", Attempts: 3, Err: errors.New("refused")}
	src := &fakeSource{connectErr: cerr}
	l := newTestListener(t, src, newTestProcessor(t, store, &fakeSubmitter{}), store, ListenerOptions{})

	err := l.Run(context.Background())
	var got *ConnectionError
	if !errors.As(err, &got) || got.Attempts != 3 {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if src.connects != 1 {
		t.Fatalf("connects=%d", src.connects)
	}
}

func TestListenerReconnectsWhenUnhealthy(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{connected: true, healthy: false}
	l := newTestListener(t, src, newTestProcessor(t, store, &fakeSubmitter{}), store, ListenerOptions{})

	if _, err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.connects != 1 {
		t.Fatalf("expected reconnect, connects=%d", src.connects)
	}
}

func TestListenerRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{connected: true, healthy: true}
	l := newTestListener(t, src, newTestProcessor(t, store, &fakeSubmitter{}), store, ListenerOptions{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	sleeps := 0
	l.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		if d != time.Hour {
			t.Errorf("sleep %v, want poll interval", d)
		}
		cancel()
		return ctx.Err()
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}
	if sleeps != 1 {
		t.Fatalf("sleeps=%d", sleeps)
	}
}

func TestListenerStopsAtHeight(t *testing.T) {
	store := newTestStore(t)
	sub := &fakeSubmitter{}
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{{
		events: []Event{lockEvent("0xa", 8, 0, 1), lockEvent("0xb", 15, 0, 1)},
		next:   Checkpoint{Height: 20},
	}}}
	l := newTestListener(t, src, newTestProcessor(t, store, sub), store, ListenerOptions{StopAt: 10})

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sub.calls) != 1 || sub.calls[0] != "0xa-0" {
		t.Fatalf("calls=%v", sub.calls)
	}
	if l.Checkpoint().Height != 10 {
		t.Fatalf("checkpoint=%d", l.Checkpoint().Height)
	}
}

func TestListenerResumesFromCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.UpsertCursor(ctx, "src", 50, "0x50"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	src := &fakeSource{connected: true, healthy: true, start: Checkpoint{Height: 1}}
	l := newTestListener(t, src, newTestProcessor(t, store, &fakeSubmitter{}), store, ListenerOptions{})

	if _, err := l.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(src.seen) != 1 || src.seen[0].Height != 50 || src.seen[0].Hash != "0x50" {
		t.Fatalf("fetch started from %+v", src.seen)
	}
}

func TestListenerSkipsSleepWhileCatchingUp(t *testing.T) {
	store := newTestStore(t)
	src := &fakeSource{connected: true, healthy: true, batches: []fetchResult{
		{next: Checkpoint{Height: 500, Lag: 1000}},
		{next: Checkpoint{Height: 1000, Lag: 500}},
		{next: Checkpoint{Height: 1500}},
	}}
	l := newTestListener(t, src, newTestProcessor(t, store, &fakeSubmitter{}), store, ListenerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	l.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	if err := l.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.fetches != 3 || l.Checkpoint().Height != 1500 {
		t.Fatalf("fetches=%d checkpoint=%d", src.fetches, l.Checkpoint().Height)
	}
}
