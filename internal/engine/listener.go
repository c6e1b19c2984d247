package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/devblac/lock-relayer/internal/metrics"
	"github.com/devblac/lock-relayer/internal/storage"
)

// Source is the connector the listener drives.
type Source interface {
	Connect(ctx context.Context) error
	Connected() bool
	IsHealthy(ctx context.Context) bool
	FetchNewEvents(ctx context.Context, cp Checkpoint) ([]Event, Checkpoint, error)
	StartCheckpoint(ctx context.Context, startBlock string) (Checkpoint, error)
}

// State persists the checkpoint and the retry queue.
type State interface {
	GetCursor(ctx context.Context, sourceID string) (uint64, string, bool, error)
	UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error
	EnqueuePending(ctx context.Context, e storage.PendingEntry) error
	ListPending(ctx context.Context, limit int) ([]storage.PendingEntry, error)
	ResolvePending(ctx context.Context, id string) error
	FailPending(ctx context.Context, id, lastErr string, maxAttempts int) (bool, error)
	PendingCounts(ctx context.Context) (live, abandoned int, err error)
}

// ListenerOptions tunes the poll loop.
type ListenerOptions struct {
	SourceID     string
	StartBlock   string
	PollInterval time.Duration
	ErrorBackoff time.Duration
	MaxRetries   int
	// StopAt ends Run once the checkpoint reaches this height. Zero runs forever.
	StopAt  uint64
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Fetched     int
	Processed   int
	Skipped     int
	Rejected    int
	Failed      int
	Retried     int
	Abandoned   int
	Checkpoint  Checkpoint
	FetchFailed bool
	CatchingUp  bool
	Done        bool
}

// Listener drives connect, drain retries, fetch, process and checkpoint.
type Listener struct {
	src     Source
	proc    *Processor
	state   State
	opts    ListenerOptions
	log     *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	cp     Checkpoint
	loaded bool
	// height mirrors cp.Height for readers outside the loop goroutine.
	height atomic.Uint64
}

const drainBatch = 100

// NewListener wires a listener. Zero intervals fall back to 10s poll and 2x poll on error.
func NewListener(src Source, proc *Processor, state State, opts ListenerOptions) *Listener {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 2 * opts.PollInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		src:     src,
		proc:    proc,
		state:   state,
		opts:    opts,
		log:     log.With("source", opts.SourceID),
		metrics: opts.Metrics,
		sleep:   sleepCtx,
	}
}

// Run loops until ctx is cancelled, StopAt is reached, or a fatal error occurs.
// It returns nil on cancellation; a *ConnectionError once reconnecting is
// exhausted; or a local storage error.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info("listener started", "poll_interval", l.opts.PollInterval, "stop_at", l.opts.StopAt)
	for {
		if ctx.Err() != nil {
			l.log.Info("listener stopped", "checkpoint", l.cp.Height)
			return nil
		}
		res, err := l.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.log.Info("listener stopped", "checkpoint", l.cp.Height)
				return nil
			}
			return err
		}
		if res.Done {
			l.log.Info("reached stop height", "checkpoint", res.Checkpoint.Height)
			return nil
		}

		wait := l.opts.PollInterval
		switch {
		case res.FetchFailed:
			wait = l.opts.ErrorBackoff
		case res.CatchingUp:
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			l.log.Info("listener stopped", "checkpoint", l.cp.Height)
			return nil
		}
	}
}

// RunOnce executes a single cycle.
func (l *Listener) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	l.metrics.Cycle()

	if err := l.ensureConnected(ctx); err != nil {
		return res, err
	}

	if !l.loaded {
		if err := l.loadCheckpoint(ctx); err != nil {
			var fe *FetchError
			if errors.As(err, &fe) {
				l.log.Warn("resolve start block failed", "err", err)
				l.metrics.FetchError()
				res.FetchFailed = true
				return res, nil
			}
			return res, err
		}
	}
	res.Checkpoint = l.cp
	if l.reachedStop() {
		res.Done = true
		return res, nil
	}

	if err := l.drainPending(ctx, &res); err != nil {
		return res, err
	}

	events, next, err := l.src.FetchNewEvents(ctx, l.cp)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		l.log.Warn("fetch failed", "checkpoint", l.cp.Height, "err", err)
		l.metrics.FetchError()
		res.FetchFailed = true
		return res, nil
	}
	events, next = l.clamp(events, next)
	res.Fetched = len(events)
	l.metrics.EventsFetched(len(events))
	if len(events) > 0 {
		l.log.Info("new events", "count", len(events), "from", l.cp.Height+1, "to", next.Height)
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			// The rest of the batch is unprocessed; keep the old checkpoint.
			return res, ctx.Err()
		}
		if err := l.handle(ctx, ev, &res); err != nil {
			return res, err
		}
	}

	if err := l.advance(ctx, next); err != nil {
		return res, err
	}
	res.Checkpoint = next
	res.CatchingUp = next.Lag > 0
	res.Done = l.reachedStop()
	l.log.Debug("cycle complete",
		"fetched", res.Fetched, "processed", res.Processed, "skipped", res.Skipped,
		"rejected", res.Rejected, "failed", res.Failed, "checkpoint", next.Height, "lag", next.Lag)
	return res, nil
}

// Checkpoint returns the in-memory checkpoint.
func (l *Listener) Checkpoint() Checkpoint { return l.cp }

// CheckpointHeight is safe to call concurrently with Run.
func (l *Listener) CheckpointHeight() uint64 { return l.height.Load() }

func (l *Listener) ensureConnected(ctx context.Context) error {
	if l.src.Connected() && l.src.IsHealthy(ctx) {
		return nil
	}
	l.log.Warn("source unavailable, reconnecting")
	return l.src.Connect(ctx)
}

func (l *Listener) loadCheckpoint(ctx context.Context) error {
	h, hash, ok, err := l.state.GetCursor(ctx, l.opts.SourceID)
	if err != nil {
		return err
	}
	if ok {
		l.cp = Checkpoint{Height: h, Hash: hash}
		l.log.Info("resuming from checkpoint", "height", h)
	} else {
		cp, err := l.src.StartCheckpoint(ctx, l.opts.StartBlock)
		if err != nil {
			return err
		}
		l.cp = cp
		l.log.Info("starting fresh", "start_block", l.opts.StartBlock, "height", cp.Height)
	}
	l.loaded = true
	l.height.Store(l.cp.Height)
	l.metrics.Checkpoint(l.cp.Height)
	return nil
}

func (l *Listener) reachedStop() bool {
	return l.opts.StopAt > 0 && l.cp.Height >= l.opts.StopAt
}

// clamp drops events past StopAt so a bounded run never scans beyond it.
func (l *Listener) clamp(events []Event, next Checkpoint) ([]Event, Checkpoint) {
	if l.opts.StopAt == 0 || next.Height <= l.opts.StopAt {
		return events, next
	}
	kept := events[:0:0]
	for _, ev := range events {
		if ev.BlockNumber <= l.opts.StopAt {
			kept = append(kept, ev)
		}
	}
	return kept, Checkpoint{Height: l.opts.StopAt}
}

func (l *Listener) advance(ctx context.Context, next Checkpoint) error {
	// Persist even when cancelled: every event up to next has been handled.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.state.UpsertCursor(wctx, l.opts.SourceID, next.Height, next.Hash); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	l.cp = next
	l.height.Store(next.Height)
	l.metrics.Checkpoint(next.Height)
	return nil
}

// handle processes one fresh event and queues it for retry on failure.
// Only a failure of the retry queue itself is returned.
func (l *Listener) handle(ctx context.Context, ev Event, res *CycleResult) error {
	id := ev.ID()
	out, err := l.proc.Process(ctx, ev)
	if err == nil {
		l.logOutcome(id, out, res)
		return nil
	}

	res.Failed++
	entry := storage.PendingEntry{
		ID:          id,
		Kind:        storage.PendingSubmit,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		LastError:   err.Error(),
	}
	var (
		serr *SubmissionError
		perr *PersistError
	)
	switch {
	case errors.As(err, &perr) && perr.Submitted:
		l.metrics.PersistError()
		l.metrics.Outcome(Processed.String())
		res.Processed++
		entry.Kind = storage.PendingCommit
		entry.IntentID = out.IntentID
		entry.Receipt = out.Receipt
		l.log.Error("submitted but not recorded; durability degraded, queued ledger retry",
			"event", id, "receipt", out.Receipt, "err", err)
	case errors.As(err, &perr):
		l.metrics.PersistError()
		l.log.Error("ledger lookup failed, queued for retry", "event", id, "err", err)
	case errors.As(err, &serr):
		l.metrics.SubmissionError()
		l.log.Warn("submission failed, queued for retry", "event", id, "err", err)
	default:
		l.log.Error("unexpected processing error, queued for retry", "event", id, "err", err)
	}
	return l.enqueue(ctx, ev, entry)
}

func (l *Listener) enqueue(ctx context.Context, ev Event, entry storage.PendingEntry) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode pending %s: %w", entry.ID, err)
	}
	entry.PayloadJSON = string(payload)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.state.EnqueuePending(wctx, entry); err != nil {
		return fmt.Errorf("queue retry for %s: %w", entry.ID, err)
	}
	return nil
}

// drainPending retries queued events in chain order before new events.
func (l *Listener) drainPending(ctx context.Context, res *CycleResult) error {
	entries, err := l.state.ListPending(ctx, drainBatch)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Retried++
		if err := l.retry(ctx, e, res); err != nil {
			return err
		}
	}
	if live, _, err := l.state.PendingCounts(ctx); err == nil {
		l.metrics.Pending(live)
	}
	return nil
}

func (l *Listener) retry(ctx context.Context, e storage.PendingEntry, res *CycleResult) error {
	var ev Event
	if err := json.Unmarshal([]byte(e.PayloadJSON), &ev); err != nil {
		return l.fail(ctx, e, fmt.Errorf("decode queued event: %w", err), 1, res)
	}

	if e.Kind == storage.PendingCommit {
		if err := l.proc.Commit(ctx, ev, e.IntentID, e.Receipt); err != nil {
			l.metrics.PersistError()
			return l.fail(ctx, e, err, l.opts.MaxRetries, res)
		}
		l.log.Info("ledger retry recorded event", "event", e.ID, "attempt", e.Attempts+1)
		return l.state.ResolvePending(ctx, e.ID)
	}

	out, err := l.proc.Process(ctx, ev)
	if err == nil {
		l.logOutcome(e.ID, out, res)
		return l.state.ResolvePending(ctx, e.ID)
	}

	var perr *PersistError
	if errors.As(err, &perr) && perr.Submitted {
		l.metrics.PersistError()
		l.metrics.Outcome(Processed.String())
		res.Processed++
		e.Kind = storage.PendingCommit
		e.IntentID = out.IntentID
		e.Receipt = out.Receipt
		e.LastError = err.Error()
		if qerr := l.state.EnqueuePending(ctx, e); qerr != nil {
			return fmt.Errorf("queue ledger retry for %s: %w", e.ID, qerr)
		}
		res.Failed++
		l.log.Error("retry submitted but not recorded; queued ledger retry", "event", e.ID, "err", err)
		return nil
	}
	if errors.As(err, &perr) {
		l.metrics.PersistError()
	} else {
		l.metrics.SubmissionError()
	}
	return l.fail(ctx, e, err, l.opts.MaxRetries, res)
}

func (l *Listener) fail(ctx context.Context, e storage.PendingEntry, cause error, maxAttempts int, res *CycleResult) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	abandoned, err := l.state.FailPending(ctx, e.ID, cause.Error(), maxAttempts)
	if err != nil {
		return err
	}
	if abandoned {
		res.Abandoned++
		l.metrics.Abandoned()
		l.log.Error("giving up on event after retries", "event", e.ID, "kind", e.Kind, "attempts", e.Attempts+1, "err", cause)
		return nil
	}
	res.Failed++
	l.log.Warn("retry failed", "event", e.ID, "kind", e.Kind, "attempt", e.Attempts+1, "err", cause)
	return nil
}

func (l *Listener) logOutcome(id string, out Outcome, res *CycleResult) {
	l.metrics.Outcome(out.Status.String())
	switch out.Status {
	case Processed:
		res.Processed++
		l.log.Info("processed event", "event", id, "intent", out.IntentID, "receipt", out.Receipt)
	case Skipped:
		res.Skipped++
		if out.Reason == ReasonDuplicate {
			l.log.Info("skipped duplicate", "event", id)
		} else {
			l.log.Debug("skipped event", "event", id, "reason", out.Reason)
		}
	case Rejected:
		res.Rejected++
		l.log.Warn("rejected event", "event", id, "reason", out.Reason)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
