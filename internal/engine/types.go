package engine

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Event is one decoded TokensLocked log. The connector builds it; nothing
// downstream mutates it.
type Event struct {
	TxHash             string   `json:"tx_hash"`
	BlockNumber        uint64   `json:"block_number"`
	BlockHash          string   `json:"block_hash"`
	LogIndex           uint     `json:"log_index"`
	Contract           string   `json:"contract"`
	Account            string   `json:"account"`
	Token              string   `json:"token"`
	Amount             *big.Int `json:"amount"`
	DestinationChainID *big.Int `json:"destination_chain_id"`
	Recipient          []byte   `json:"recipient,omitempty"`
	// Malformed is set when the log matched the event topic but could not be decoded.
	Malformed string `json:"malformed,omitempty"`
}

// ID is the dedup identity: lowercase tx hash and log index.
func (e Event) ID() string {
	return EventID(e.TxHash, e.LogIndex)
}

// EventID formats a dedup identity.
func EventID(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(txHash), logIndex)
}

// Args exposes the event fields to filter predicates.
func (e Event) Args() map[string]any {
	args := map[string]any{
		"txHash":      strings.ToLower(e.TxHash),
		"blockNumber": e.BlockNumber,
		"logIndex":    e.LogIndex,
		"contract":    e.Contract,
		"sender":      e.Account,
		"token":       e.Token,
	}
	if e.Amount != nil {
		args["amount"] = e.Amount
	}
	if e.DestinationChainID != nil {
		args["destinationChainId"] = e.DestinationChainID
	}
	if len(e.Recipient) > 0 {
		args["recipient"] = hexutil.Encode(e.Recipient)
	}
	return args
}

// Checkpoint is the last block scanned, inclusive.
type Checkpoint struct {
	Height uint64
	Hash   string
	// Lag is how far the scan trails the safe head after this fetch. Not persisted.
	Lag uint64
}

// Status classifies what the processor did with an event.
type Status int

const (
	Processed Status = iota + 1
	Skipped
	Rejected
)

func (s Status) String() string {
	switch s {
	case Processed:
		return "processed"
	case Skipped:
		return "skipped"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Skip reasons.
const (
	ReasonDuplicate = "duplicate"
	ReasonFiltered  = "filtered"
)

// Outcome is the per-event result of Processor.Process.
type Outcome struct {
	Status   Status
	Reason   string
	IntentID string
	Receipt  string
}
