package submit

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const mintABI = `[{"type":"function","name":"mintBridgedTokens","stateMutability":"nonpayable","inputs":[
{"name":"recipient","type":"address"},
{"name":"token","type":"address"},
{"name":"amount","type":"uint256"},
{"name":"sourceRef","type":"bytes32"}],"outputs":[]}]`

// ChainClient is the subset of ethclient.Client the EVM submitter needs.
type ChainClient interface {
	bind.DeployBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EVMOptions configures the destination minting call.
type EVMOptions struct {
	ChainID    *big.Int
	Contract   string
	PrivateKey string
	GasLimit   uint64
	WaitMined  bool
}

// EVM signs and broadcasts mintBridgedTokens on the destination chain.
type EVM struct {
	client    ChainClient
	closer    func()
	abi       abi.ABI
	chainID   *big.Int
	contract  common.Address
	key       *ecdsa.PrivateKey
	from      common.Address
	gasLimit  uint64
	waitMined bool

	// unconfirmed maps intent ids to mint txs that were sent but whose
	// wait ended before a receipt arrived. A retry checks the tx instead of
	// signing a second one. It does not survive a restart.
	mu          sync.Mutex
	unconfirmed map[string]common.Hash
}

// DialEVM connects to the destination RPC and builds the submitter.
func DialEVM(ctx context.Context, rpcURL string, opts EVMOptions) (*EVM, error) {
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial destination rpc: %w", err)
	}
	e, err := NewEVM(cli, opts)
	if err != nil {
		cli.Close()
		return nil, err
	}
	e.closer = cli.Close
	return e, nil
}

// NewEVM builds the submitter over an existing client.
func NewEVM(client ChainClient, opts EVMOptions) (*EVM, error) {
	if client == nil {
		return nil, errors.New("destination client required")
	}
	if opts.ChainID == nil || opts.ChainID.Sign() <= 0 {
		return nil, errors.New("destination chain id required")
	}
	if !common.IsHexAddress(opts.Contract) {
		return nil, fmt.Errorf("invalid destination contract %q", opts.Contract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(mintABI))
	if err != nil {
		return nil, fmt.Errorf("parse mint abi: %w", err)
	}
	return &EVM{
		client:      client,
		abi:         parsed,
		chainID:     opts.ChainID,
		contract:    common.HexToAddress(opts.Contract),
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		gasLimit:    opts.GasLimit,
		waitMined:   opts.WaitMined,
		unconfirmed: map[string]common.Hash{},
	}, nil
}

func (e *EVM) Name() string { return "evm" }

// From is the relayer account that signs destination transactions.
func (e *EVM) From() common.Address { return e.from }

// SourceRef is the bytes32 the destination contract can use to refuse replays.
func SourceRef(eventID string) [32]byte {
	return crypto.Keccak256Hash([]byte(eventID))
}

func (e *EVM) Submit(ctx context.Context, in Intent) (Receipt, error) {
	if !common.IsHexAddress(in.Recipient) || !common.IsHexAddress(in.Token) {
		return Receipt{}, fmt.Errorf("intent %s: recipient and token must be addresses", in.ID)
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("intent %s: amount must be positive", in.ID)
	}
	if h, ok := e.pendingTx(in.ID); ok {
		rcpt, done, err := e.checkSent(ctx, in.ID, h)
		if done || err != nil {
			return rcpt, err
		}
	}
	data, err := e.abi.Pack("mintBridgedTokens",
		common.HexToAddress(in.Recipient),
		common.HexToAddress(in.Token),
		in.Amount,
		SourceRef(in.EventID),
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack mint call: %w", err)
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return Receipt{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("gas price: %w", err)
	}
	gas := e.gasLimit
	if gas == 0 {
		gas, err = e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &e.contract, Data: data})
		if err != nil {
			return Receipt{}, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.contract,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign mint tx: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return Receipt{}, fmt.Errorf("send mint tx: %w", err)
	}

	ref := signed.Hash().Hex()
	if e.waitMined {
		rcpt, err := bind.WaitMined(ctx, e.client, signed)
		if err != nil {
			e.setPendingTx(in.ID, signed.Hash())
			return Receipt{}, fmt.Errorf("wait mined %s: %w", ref, err)
		}
		if rcpt.Status != types.ReceiptStatusSuccessful {
			return Receipt{}, fmt.Errorf("mint tx %s reverted in block %v", ref, rcpt.BlockNumber)
		}
	}
	return Receipt{Reference: ref, Submitter: e.Name()}, nil
}

// checkSent looks up a mint tx sent by an earlier attempt. done reports that
// the intent is settled by it; a reverted tx is forgotten so the caller sends
// a new one.
func (e *EVM) checkSent(ctx context.Context, intentID string, h common.Hash) (Receipt, bool, error) {
	rcpt, err := e.client.TransactionReceipt(ctx, h)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return Receipt{}, false, fmt.Errorf("mint tx %s still pending", h.Hex())
	case err != nil:
		return Receipt{}, false, fmt.Errorf("receipt %s: %w", h.Hex(), err)
	}
	e.forgetTx(intentID)
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, false, nil
	}
	return Receipt{Reference: h.Hex(), Submitter: e.Name()}, true, nil
}

func (e *EVM) pendingTx(intentID string) (common.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.unconfirmed[intentID]
	return h, ok
}

func (e *EVM) setPendingTx(intentID string, h common.Hash) {
	e.mu.Lock()
	e.unconfirmed[intentID] = h
	e.mu.Unlock()
}

func (e *EVM) forgetTx(intentID string) {
	e.mu.Lock()
	delete(e.unconfirmed, intentID)
	e.mu.Unlock()
}

// Close releases the RPC connection when DialEVM created it.
func (e *EVM) Close() error {
	if e.closer != nil {
		e.closer()
	}
	return nil
}
