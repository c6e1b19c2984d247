// Package submit delivers relay intents to the destination side.
package submit

import (
	"context"
	"math/big"

	"github.com/google/uuid"
)

// Intent is what the destination side is asked to do for one lock event.
type Intent struct {
	ID                 string   `json:"id"`
	EventID            string   `json:"event_id"`
	SourceTxHash       string   `json:"source_tx_hash"`
	SourceBlock        uint64   `json:"source_block"`
	SourceChainID      *big.Int `json:"source_chain_id,omitempty"`
	DestinationChainID *big.Int `json:"destination_chain_id"`
	Sender             string   `json:"sender"`
	Recipient          string   `json:"recipient"`
	Token              string   `json:"token"`
	Amount             *big.Int `json:"amount"`
}

// Receipt identifies the completed downstream action.
type Receipt struct {
	Reference string
	Submitter string
}

// Submitter performs the downstream action for an intent.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, in Intent) (Receipt, error)
}

var intentNamespace = uuid.MustParse("6f1c2b8e-4a57-5d0e-9b3a-1c7e2f9d4a60")

// IntentID derives a stable idempotency key from an event identity, so a
// resubmission after a crash carries the same key.
func IntentID(eventID string) string {
	return uuid.NewSHA1(intentNamespace, []byte(eventID)).String()
}
