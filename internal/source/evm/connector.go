package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devblac/lock-relayer/internal/config"
	"github.com/devblac/lock-relayer/internal/engine"
	"github.com/devblac/lock-relayer/internal/metrics"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

const healthTimeout = 5 * time.Second

// Connector owns the session to the source chain and scans it for lock events
// in confirmed, chunked block ranges.
type Connector struct {
	endpoint        string
	policy          config.ConnectPolicy
	matcher         *LockMatcher
	confirmations   uint64
	chunkSize       uint64
	fetchTimeout    time.Duration
	disconnectAfter int
	limiter         *rate.Limiter
	log             *slog.Logger
	metrics         *metrics.Metrics

	dial  DialFunc
	sleep func(ctx context.Context, d time.Duration) error

	// mu guards the session; health checks read it from other goroutines.
	mu       sync.Mutex
	client   Client
	state    State
	chainID  *big.Int
	failures int
}

// NewConnector builds a disconnected connector for the configured source.
func NewConnector(src config.Source, policy config.ConnectPolicy, log *slog.Logger, m *metrics.Metrics) (*Connector, error) {
	event, err := LoadLockEvent(src.ABIPath)
	if err != nil {
		return nil, err
	}
	matcher, err := NewLockMatcher(src.Contract, event)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Connector{
		endpoint:        src.RPCURL,
		policy:          policy,
		matcher:         matcher,
		confirmations:   src.Confirmations,
		chunkSize:       src.ChunkSize,
		fetchTimeout:    src.FetchTimeout,
		disconnectAfter: src.DisconnectAfter,
		log:             log.With("endpoint", endpointHost(src.RPCURL)),
		metrics:         m,
		dial:            DialRPC,
		sleep:           sleepCtx,
	}
	if c.chunkSize == 0 {
		c.chunkSize = 1
	}
	if c.policy.MaxAttempts <= 0 {
		c.policy.MaxAttempts = 1
	}
	if c.policy.Multiplier < 1 {
		c.policy.Multiplier = 1
	}
	if src.RPCRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(src.RPCRate), 1)
	}
	return c, nil
}

// Connect dials the endpoint and probes eth_chainId, retrying with exponential
// backoff. It returns *engine.ConnectionError once attempts are exhausted, or
// the context error if cancelled while waiting.
func (c *Connector) Connect(ctx context.Context) error {
	c.Close()

	backoff := c.policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		c.log.Info("connecting to source rpc", "attempt", attempt, "max_attempts", c.policy.MaxAttempts)
		cli, chainID, err := c.dialOnce(ctx)
		c.metrics.ConnectAttempt(err == nil)
		if err == nil {
			c.mu.Lock()
			c.client, c.chainID, c.state, c.failures = cli, chainID, Connected, 0
			c.mu.Unlock()
			c.log.Info("connected to source rpc", "chain_id", chainID, "attempt", attempt)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection attempt failed", "attempt", attempt, "max_attempts", c.policy.MaxAttempts, "err", err)
		if attempt == c.policy.MaxAttempts {
			break
		}
		if backoff > 0 {
			c.log.Info("retrying connection", "in", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
		}
		backoff = c.nextBackoff(backoff)
	}
	c.log.Error("all connection attempts failed", "attempts", c.policy.MaxAttempts, "err", lastErr)
	return &engine.ConnectionError{Endpoint: endpointHost(c.endpoint), Attempts: c.policy.MaxAttempts, Err: lastErr}
}

func (c *Connector) dialOnce(ctx context.Context) (Client, *big.Int, error) {
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}
	cli, err := c.dial(ctx, c.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	if err := c.wait(ctx); err != nil {
		cli.Close()
		return nil, nil, err
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return cli, chainID, nil
}

func (c *Connector) nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * c.policy.Multiplier)
	if c.policy.MaxBackoff > 0 && next > c.policy.MaxBackoff {
		next = c.policy.MaxBackoff
	}
	return next
}

// IsHealthy asks for the head block under a short timeout. A failure drops the
// session so the listener reconnects.
func (c *Connector) IsHealthy(ctx context.Context) bool {
	if _, err := c.Head(ctx); err != nil {
		if ctx.Err() == nil {
			c.log.Warn("source health check failed", "err", err)
			c.disconnect()
		}
		return false
	}
	return true
}

// Head returns the chain head without changing connector state.
func (c *Connector) Head(ctx context.Context) (uint64, error) {
	cli := c.session()
	if cli == nil {
		return 0, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	return cli.BlockNumber(ctx)
}

// Connected reports whether a session is open.
func (c *Connector) Connected() bool { return c.State() == Connected }

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ChainID is the source chain id learned on connect; nil before that.
func (c *Connector) ChainID() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainID
}

// FetchNewEvents returns lock events in the next confirmed range after cp,
// ordered by block and log index, and the checkpoint to use next. The same
// cp always yields the same range. Failures are *engine.FetchError; after
// disconnect_after consecutive failures the session is dropped.
func (c *Connector) FetchNewEvents(ctx context.Context, cp engine.Checkpoint) ([]engine.Event, engine.Checkpoint, error) {
	cli := c.session()
	if cli == nil {
		return nil, cp, &engine.FetchError{From: cp.Height + 1, Err: ErrNotConnected}
	}
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	events, next, err := c.fetch(ctx, cli, cp)
	if err != nil {
		c.mu.Lock()
		c.failures++
		tooMany := c.disconnectAfter > 0 && c.failures >= c.disconnectAfter
		c.mu.Unlock()
		if tooMany {
			c.log.Warn("consecutive fetch failures, dropping session", "failures", c.disconnectAfter)
			c.disconnect()
		}
		return nil, cp, err
	}
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
	return events, next, nil
}

func (c *Connector) fetch(ctx context.Context, cli Client, cp engine.Checkpoint) ([]engine.Event, engine.Checkpoint, error) {
	from := cp.Height + 1
	if err := c.wait(ctx); err != nil {
		return nil, cp, &engine.FetchError{From: from, Err: err}
	}
	head, err := cli.BlockNumber(ctx)
	if err != nil {
		return nil, cp, &engine.FetchError{From: from, Err: fmt.Errorf("eth_blockNumber: %w", err)}
	}
	if head < c.confirmations {
		return nil, engine.Checkpoint{Height: cp.Height, Hash: cp.Hash}, nil
	}
	safe := head - c.confirmations
	if from > safe {
		return nil, engine.Checkpoint{Height: cp.Height, Hash: cp.Hash}, nil
	}
	to := safe
	if to-from+1 > c.chunkSize {
		to = from + c.chunkSize - 1
	}

	if err := c.wait(ctx); err != nil {
		return nil, cp, &engine.FetchError{From: from, To: to, Err: err}
	}
	logs, err := cli.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.matcher.Address()},
		Topics:    [][]common.Hash{{c.matcher.Topic()}},
	})
	if err != nil {
		return nil, cp, &engine.FetchError{From: from, To: to, Err: fmt.Errorf("eth_getLogs: %w", err)}
	}

	if err := c.wait(ctx); err != nil {
		return nil, cp, &engine.FetchError{From: from, To: to, Err: err}
	}
	header, err := cli.HeaderByNumber(ctx, new(big.Int).SetUint64(to))
	if err != nil {
		return nil, cp, &engine.FetchError{From: from, To: to, Err: fmt.Errorf("header %d: %w", to, err)}
	}

	events := make([]engine.Event, 0, len(logs))
	for _, lg := range logs {
		if ev, ok := c.matcher.Match(lg); ok {
			events = append(events, ev)
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, engine.Checkpoint{Height: to, Hash: header.Hash().Hex(), Lag: safe - to}, nil
}

// StartCheckpoint resolves start_block for a relayer without a stored
// checkpoint. The returned height is the last block treated as scanned.
func (c *Connector) StartCheckpoint(ctx context.Context, startBlock string) (engine.Checkpoint, error) {
	cli := c.session()
	if cli == nil {
		return engine.Checkpoint{}, &engine.FetchError{Err: ErrNotConnected}
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := c.wait(ctx); err != nil {
		return engine.Checkpoint{}, &engine.FetchError{Err: err}
	}
	head, err := cli.BlockNumber(ctx)
	if err != nil {
		return engine.Checkpoint{}, &engine.FetchError{Err: fmt.Errorf("eth_blockNumber: %w", err)}
	}
	var safe uint64
	if head > c.confirmations {
		safe = head - c.confirmations
	}
	first, err := resolveStartHeight(startBlock, safe)
	if err != nil {
		return engine.Checkpoint{}, err
	}
	if first == 0 {
		return engine.Checkpoint{}, nil
	}
	return engine.Checkpoint{Height: first - 1}, nil
}

// Close drops the session.
func (c *Connector) Close() {
	c.disconnect()
}

func (c *Connector) session() Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.client
}

func (c *Connector) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
	}
	c.client = nil
	c.state = Disconnected
	c.failures = 0
}

func (c *Connector) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// resolveStartHeight returns the first block to scan. Empty and "latest" start
// after the current safe head; "latest-N" starts N blocks below it.
func resolveStartHeight(start string, safeHeight uint64) (uint64, error) {
	start = strings.TrimSpace(start)
	switch {
	case start == "" || start == "latest":
		return safeHeight + 1, nil
	case strings.HasPrefix(start, "latest-"):
		n, err := strconv.ParseUint(strings.TrimPrefix(start, "latest-"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse start_block %q: %w", start, err)
		}
		if n > safeHeight {
			return 0, nil
		}
		return safeHeight - n, nil
	}
	n, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse start_block %q: %w", start, err)
	}
	return n, nil
}

// endpointHost keeps API keys embedded in RPC URLs out of logs.
func endpointHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	return u.Scheme + "://" + u.Host
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

var _ engine.Source = (*Connector)(nil)
