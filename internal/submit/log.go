package submit

import (
	"context"
	"log/slog"
)

// LogSubmitter simulates the destination transaction by logging it.
type LogSubmitter struct {
	log    *slog.Logger
	signer string
}

// NewLogSubmitter builds the simulating submitter. signer is only ever logged
// under a redacted key.
func NewLogSubmitter(log *slog.Logger, signer string) *LogSubmitter {
	if log == nil {
		log = slog.Default()
	}
	return &LogSubmitter{log: log, signer: signer}
}

func (s *LogSubmitter) Name() string { return "log" }

func (s *LogSubmitter) Submit(ctx context.Context, in Intent) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	s.log.Info("simulated destination transaction",
		"intent", in.ID,
		"event", in.EventID,
		"function", "mintBridgedTokens",
		"destination_chain", in.DestinationChainID,
		"recipient", in.Recipient,
		"asset", in.Token,
		"amount", in.Amount,
		"signer_key", s.signer,
	)
	return Receipt{Reference: "sim:" + in.ID, Submitter: s.Name()}, nil
}
