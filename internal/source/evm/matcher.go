package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/lock-relayer/internal/engine"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventName is the bridge event the relayer watches.
const EventName = "TokensLocked"

const lockABI = `[{"anonymous":false,"type":"event","name":"TokensLocked","inputs":[
{"indexed":true,"name":"sender","type":"address"},
{"indexed":true,"name":"token","type":"address"},
{"indexed":false,"name":"amount","type":"uint256"},
{"indexed":false,"name":"destinationChainId","type":"uint256"},
{"indexed":false,"name":"recipient","type":"bytes"}]}]`

// DefaultLockEvent returns the built-in TokensLocked definition.
func DefaultLockEvent() *abi.Event {
	a, err := abi.JSON(strings.NewReader(lockABI))
	if err != nil {
		panic(fmt.Sprintf("embedded abi: %v", err))
	}
	ev := a.Events[EventName]
	return &ev
}

// LockMatcher filters and decodes TokensLocked logs for one contract.
type LockMatcher struct {
	address common.Address
	event   *abi.Event
}

// NewLockMatcher builds a matcher; a nil event uses the built-in definition.
func NewLockMatcher(contract string, event *abi.Event) (*LockMatcher, error) {
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("invalid contract address %q", contract)
	}
	if event == nil {
		event = DefaultLockEvent()
	}
	return &LockMatcher{address: common.HexToAddress(contract), event: event}, nil
}

// Topic is the event signature hash used to filter logs.
func (m *LockMatcher) Topic() common.Hash { return m.event.ID }

// Address is the watched contract.
func (m *LockMatcher) Address() common.Address { return m.address }

// Match decodes a log. Logs from other contracts or events, and logs removed
// by a reorg, do not match. A matching log that cannot be decoded yields an
// event with Malformed set so the processor can reject it.
func (m *LockMatcher) Match(lg types.Log) (engine.Event, bool) {
	if lg.Removed || lg.Address != m.address {
		return engine.Event{}, false
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != m.event.ID {
		return engine.Event{}, false
	}

	ev := engine.Event{
		TxHash:      strings.ToLower(lg.TxHash.Hex()),
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		LogIndex:    lg.Index,
		Contract:    lg.Address.Hex(),
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(m.event.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		ev.Malformed = fmt.Sprintf("parse topics: %v", err)
		return ev, true
	}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		ev.Malformed = fmt.Sprintf("unpack data: %v", err)
		return ev, true
	}

	var missing []string
	if a, ok := args["sender"].(common.Address); ok {
		ev.Account = a.Hex()
	} else {
		missing = append(missing, "sender")
	}
	if a, ok := args["token"].(common.Address); ok {
		ev.Token = a.Hex()
	} else {
		missing = append(missing, "token")
	}
	if n, ok := args["amount"].(*big.Int); ok {
		ev.Amount = n
	} else {
		missing = append(missing, "amount")
	}
	if n, ok := args["destinationChainId"].(*big.Int); ok {
		ev.DestinationChainID = n
	} else {
		missing = append(missing, "destinationChainId")
	}
	if b, ok := args["recipient"].([]byte); ok {
		ev.Recipient = b
	}
	if len(missing) > 0 {
		ev.Malformed = "missing arguments: " + strings.Join(missing, ", ")
	}
	return ev, true
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}
