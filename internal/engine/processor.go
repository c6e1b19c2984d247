package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/devblac/lock-relayer/internal/ledger"
	"github.com/devblac/lock-relayer/internal/submit"
	"github.com/ethereum/go-ethereum/common"
)

// ProcessorOptions tunes a Processor.
type ProcessorOptions struct {
	SourceChainID *big.Int
	SubmitTimeout time.Duration
	Where         []string
	Logger        *slog.Logger
}

// Processor turns one event into at most one downstream submission.
// It is not safe for concurrent use; the listener drives it from one goroutine.
type Processor struct {
	ledger    ledger.Ledger
	submitter submit.Submitter
	preds     []Predicate
	chainID   *big.Int
	timeout   time.Duration
	log       *slog.Logger
	nowFunc   func() time.Time
}

// NewProcessor compiles the filter predicates and binds the ledger and submitter.
func NewProcessor(l ledger.Ledger, s submit.Submitter, opts ProcessorOptions) (*Processor, error) {
	if l == nil || s == nil {
		return nil, errors.New("ledger and submitter required")
	}
	preds, err := CompilePredicates(opts.Where)
	if err != nil {
		return nil, fmt.Errorf("listener.where: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		ledger:    l,
		submitter: s,
		preds:     preds,
		chainID:   opts.SourceChainID,
		timeout:   opts.SubmitTimeout,
		log:       log,
		nowFunc:   time.Now,
	}, nil
}

// Process validates, filters, dedups, submits and records one event.
//
// A nil error comes with Processed, Skipped or Rejected. A *SubmissionError
// means nothing was recorded and the event may be retried. A *PersistError
// with Submitted set comes with a Processed outcome: the downstream action
// happened but the ledger write did not.
func (p *Processor) Process(ctx context.Context, ev Event) (Outcome, error) {
	id := ev.ID()

	var verr *ValidationError
	if err := Validate(ev); errors.As(err, &verr) {
		return Outcome{Status: Rejected, Reason: verr.Reason}, nil
	}

	pass, err := allPredicates(p.preds, ev.Args())
	if err != nil || !pass {
		return Outcome{Status: Skipped, Reason: ReasonFiltered}, nil
	}

	dup, err := p.ledger.Contains(ctx, id)
	if err != nil {
		return Outcome{}, &PersistError{EventID: id, Err: err}
	}
	if dup {
		return Outcome{Status: Skipped, Reason: ReasonDuplicate}, nil
	}

	intent := p.Intent(ev)
	rcpt, err := p.submit(ctx, intent)
	if err != nil {
		return Outcome{}, &SubmissionError{EventID: id, Err: err}
	}

	out := Outcome{Status: Processed, IntentID: intent.ID, Receipt: rcpt.Reference}
	if err := p.Commit(ctx, ev, intent.ID, rcpt.Reference); err != nil {
		return out, err
	}
	return out, nil
}

// Commit writes the ledger record for an already submitted event.
// AlreadyRecorded counts as success.
func (p *Processor) Commit(ctx context.Context, ev Event, intentID, receipt string) error {
	id := ev.ID()
	st, err := p.ledger.Record(ctx, ledger.Record{
		ID:          id,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		IntentID:    intentID,
		Receipt:     receipt,
		RecordedAt:  p.nowFunc(),
	})
	if err != nil {
		return &PersistError{EventID: id, Submitted: true, Err: err}
	}
	if st == ledger.AlreadyRecorded {
		p.log.Debug("ledger record already present", "event", id)
	}
	return nil
}

// Intent builds the downstream request for a validated event. An empty
// recipient mints to the sender.
func (p *Processor) Intent(ev Event) submit.Intent {
	id := ev.ID()
	recipient := common.HexToAddress(ev.Account).Hex()
	if len(ev.Recipient) == common.AddressLength {
		recipient = common.BytesToAddress(ev.Recipient).Hex()
	}
	return submit.Intent{
		ID:                 submit.IntentID(id),
		EventID:            id,
		SourceTxHash:       ev.TxHash,
		SourceBlock:        ev.BlockNumber,
		SourceChainID:      p.chainID,
		DestinationChainID: ev.DestinationChainID,
		Sender:             common.HexToAddress(ev.Account).Hex(),
		Recipient:          recipient,
		Token:              common.HexToAddress(ev.Token).Hex(),
		Amount:             ev.Amount,
	}
}

func (p *Processor) submit(ctx context.Context, in submit.Intent) (submit.Receipt, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	return p.submitter.Submit(ctx, in)
}

// Validate checks an event's structure. It returns a *ValidationError or nil.
func Validate(ev Event) error {
	reason := ""
	switch {
	case ev.Malformed != "":
		reason = "malformed log: " + ev.Malformed
	case ev.TxHash == "":
		reason = "missing transaction hash"
	case ev.Amount == nil || ev.Amount.Sign() <= 0:
		reason = "amount must be positive"
	case !isNonZeroAddress(ev.Account):
		reason = fmt.Sprintf("invalid sender %q", ev.Account)
	case !isNonZeroAddress(ev.Token):
		reason = fmt.Sprintf("invalid token %q", ev.Token)
	case len(ev.Recipient) != 0 && len(ev.Recipient) != common.AddressLength:
		reason = fmt.Sprintf("recipient must be %d bytes, got %d", common.AddressLength, len(ev.Recipient))
	case ev.DestinationChainID == nil:
		reason = "missing destination chain id"
	}
	if reason == "" {
		return nil
	}
	return &ValidationError{EventID: ev.ID(), Reason: reason}
}

func isNonZeroAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}
