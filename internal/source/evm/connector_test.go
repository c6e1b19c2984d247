package evm

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devblac/lock-relayer/internal/config"
	"github.com/devblac/lock-relayer/internal/engine"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeClient struct {
	mu       sync.Mutex
	head     uint64
	headErr  error
	chainErr error
	logsErr  error
	logs     []types.Log
	queries  []ethereum.FilterQuery
	closed   int
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return big.NewInt(11155111), nil
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeClient) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).Set(number)}, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func testSource() config.Source {
	return config.Source{
		ID:              "sepolia-bridge",
		RPCURL:          "https://rpc.example.org/v3/secret-key",
		Contract:        bridgeAddr,
		ChunkSize:       100,
		DisconnectAfter: 2,
	}
}

func newTestConnector(t *testing.T, fc *fakeClient, src config.Source) *Connector {
	t.Helper()
	c, err := NewConnector(src, config.ConnectPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
		Multiplier:     2,
	}, nil, nil)
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	c.dial = func(context.Context, string) (Client, error) { return fc, nil }
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func connected(t *testing.T, fc *fakeClient, src config.Source) *Connector {
	t.Helper()
	c := newTestConnector(t, fc, src)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestConnect_FailsTwiceThenSucceeds(t *testing.T) {
	fc := &fakeClient{}
	c := newTestConnector(t, fc, testSource())

	dials := 0
	c.dial = func(context.Context, string) (Client, error) {
		dials++
		if dials <= 2 {
			return nil, errors.New("connection refused")
		}
		return fc, nil
	}
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if dials != 3 {
		t.Fatalf("expected 3 dials, got %d", dials)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("sleeps %v", slept)
	}
	if c.State() != Connected {
		t.Fatalf("state=%s", c.State())
	}
}

func TestConnect_BackoffIsCapped(t *testing.T) {
	fc := &fakeClient{}
	c := newTestConnector(t, fc, testSource())
	c.policy.MaxAttempts = 4

	dials := 0
	c.dial = func(context.Context, string) (Client, error) {
		dials++
		if dials < 4 {
			return nil, errors.New("connection refused")
		}
		return fc, nil
	}
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if dials != 4 {
		t.Fatalf("expected 4 dials, got %d", dials)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("sleeps %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleeps %v, want %v", slept, want)
		}
	}
	if !c.Connected() || c.ChainID().Int64() != 11155111 {
		t.Fatalf("state=%s chain=%v", c.State(), c.ChainID())
	}
}

func TestConnect_ExhaustedAttempts(t *testing.T) {
	fc := &fakeClient{chainErr: errors.New("bad gateway")}
	c := newTestConnector(t, fc, testSource())

	err := c.Connect(context.Background())
	var connErr *engine.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Attempts != 3 {
		t.Fatalf("attempts=%d", connErr.Attempts)
	}
	if strings.Contains(connErr.Error(), "secret-key") {
		t.Fatalf("endpoint path leaked: %s", connErr.Error())
	}
	if c.Connected() {
		t.Fatalf("expected disconnected")
	}
	if fc.closed != 3 {
		t.Fatalf("expected every half-open client closed, got %d", fc.closed)
	}
}

func TestConnect_CancelDuringBackoff(t *testing.T) {
	c := newTestConnector(t, &fakeClient{}, testSource())
	c.dial = func(context.Context, string) (Client, error) { return nil, errors.New("refused") }
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := c.Connect(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchNewEvents_OrdersByBlockAndLogIndex(t *testing.T) {
	fc := &fakeClient{head: 10}
	fc.logs = []types.Log{lockLog(t, 7, 0, 3), lockLog(t, 5, 1, 2), lockLog(t, 5, 0, 1)}
	c := connected(t, fc, testSource())

	events, next, err := c.FetchNewEvents(context.Background(), engine.Checkpoint{Height: 4})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	wantBlocks := []uint64{5, 5, 7}
	wantIdx := []uint{0, 1, 0}
	for i, ev := range events {
		if ev.BlockNumber != wantBlocks[i] || ev.LogIndex != wantIdx[i] {
			t.Fatalf("event %d at %d/%d", i, ev.BlockNumber, ev.LogIndex)
		}
	}
	if next.Height != 10 || next.Lag != 0 || next.Hash == "" {
		t.Fatalf("next checkpoint %+v", next)
	}

	q := fc.queries[0]
	if q.FromBlock.Uint64() != 5 || q.ToBlock.Uint64() != 10 {
		t.Fatalf("range %v-%v", q.FromBlock, q.ToBlock)
	}
	if len(q.Addresses) != 1 || q.Topics[0][0] != DefaultLockEvent().ID {
		t.Fatalf("query not narrowed to the lock event: %+v", q)
	}
}

func TestFetchNewEvents_ConfirmationsAndChunks(t *testing.T) {
	src := testSource()
	src.Confirmations = 3
	src.ChunkSize = 10
	fc := &fakeClient{head: 53}
	c := connected(t, fc, src)

	_, next, err := c.FetchNewEvents(context.Background(), engine.Checkpoint{Height: 20})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if next.Height != 30 || next.Lag != 20 {
		t.Fatalf("expected 21-30 with lag 20, got %+v", next)
	}

	again, _, err := c.FetchNewEvents(context.Background(), engine.Checkpoint{Height: 20})
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(again) != 0 || fc.queries[1].FromBlock.Uint64() != 21 || fc.queries[1].ToBlock.Uint64() != 30 {
		t.Fatalf("refetch did not repeat the range: %+v", fc.queries[1])
	}

	_, caughtUp, err := c.FetchNewEvents(context.Background(), engine.Checkpoint{Height: 50})
	if err != nil {
		t.Fatalf("fetch at head: %v", err)
	}
	if caughtUp.Height != 50 || len(fc.queries) != 2 {
		t.Fatalf("expected no scan past the safe head, got %+v", caughtUp)
	}
}

func TestFetchNewEvents_RefetchIsStable(t *testing.T) {
	fc := &fakeClient{head: 8}
	fc.logs = []types.Log{lockLog(t, 6, 2, 9)}
	c := connected(t, fc, testSource())

	first, _, err := c.FetchNewEvents(context.Background(), engine.Checkpoint{Height: 5})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second, _, err := c.FetchNewEvents(context.Background(), engine.Checkpoint{Height: 5})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || first[0].ID() != second[0].ID() {
		t.Fatalf("refetch changed identity: %v vs %v", first, second)
	}
}

func TestFetchNewEvents_DisconnectsAfterRepeatedFailures(t *testing.T) {
	fc := &fakeClient{head: 10, logsErr: errors.New("503 service unavailable")}
	c := connected(t, fc, testSource())

	cp := engine.Checkpoint{Height: 1}
	_, got, err := c.FetchNewEvents(context.Background(), cp)
	var fetchErr *engine.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if got != cp {
		t.Fatalf("checkpoint moved on failure: %+v", got)
	}
	if !c.Connected() {
		t.Fatalf("one failure should not drop the session")
	}

	if _, _, err := c.FetchNewEvents(context.Background(), cp); err == nil {
		t.Fatalf("expected second failure")
	}
	if c.Connected() {
		t.Fatalf("expected session dropped after %d failures", testSource().DisconnectAfter)
	}
	if _, _, err := c.FetchNewEvents(context.Background(), cp); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestIsHealthy(t *testing.T) {
	fc := &fakeClient{head: 10}
	c := connected(t, fc, testSource())
	if !c.IsHealthy(context.Background()) {
		t.Fatalf("expected healthy")
	}

	fc.mu.Lock()
	fc.headErr = errors.New("timeout")
	fc.mu.Unlock()
	if c.IsHealthy(context.Background()) {
		t.Fatalf("expected unhealthy")
	}
	if c.State() != Disconnected {
		t.Fatalf("expected disconnect after failed probe")
	}
	if _, err := c.Head(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStartCheckpoint(t *testing.T) {
	src := testSource()
	src.Confirmations = 2
	fc := &fakeClient{head: 102}
	c := connected(t, fc, src)

	cases := []struct {
		start string
		want  uint64
	}{
		{"", 100},
		{"latest", 100},
		{"latest-10", 89},
		{"42", 41},
		{"0", 0},
		{"latest-500", 0},
	}
	for _, tc := range cases {
		cp, err := c.StartCheckpoint(context.Background(), tc.start)
		if err != nil {
			t.Fatalf("start %q: %v", tc.start, err)
		}
		if cp.Height != tc.want {
			t.Fatalf("start %q: height %d, want %d", tc.start, cp.Height, tc.want)
		}
	}

	if _, err := c.StartCheckpoint(context.Background(), "soon"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEndpointHost(t *testing.T) {
	if got := endpointHost("https://eth-sepolia.example.io/v2/abc123"); got != "https://eth-sepolia.example.io" {
		t.Fatalf("got %s", got)
	}
	if got := endpointHost("not a url"); got != "invalid-url" {
		t.Fatalf("got %s", got)
	}
}
