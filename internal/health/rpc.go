package health

import (
	"context"
	"fmt"
)

// HeadSource reports the source chain head.
type HeadSource interface {
	Head(ctx context.Context) (uint64, error)
}

// RPCChecker probes the source RPC and, optionally, how far the relayer
// trails its head.
type RPCChecker struct {
	src           HeadSource
	confirmations uint64
	checkpoint    func() uint64
	maxLag        uint64
}

// NewRPCChecker creates a checker for the source RPC.
func NewRPCChecker(src HeadSource) *RPCChecker {
	return &RPCChecker{src: src}
}

// WithLag enables Lag. checkpoint reports the last scanned height; maxLag is
// measured against the head minus confirmations.
func (c *RPCChecker) WithLag(checkpoint func() uint64, confirmations, maxLag uint64) *RPCChecker {
	c.checkpoint = checkpoint
	c.confirmations = confirmations
	c.maxLag = maxLag
	return c
}

// Ping checks the RPC endpoint answers eth_blockNumber.
func (c *RPCChecker) Ping(ctx context.Context) error {
	if _, err := c.src.Head(ctx); err != nil {
		return fmt.Errorf("source rpc: %w", err)
	}
	return nil
}

// Lag fails when the checkpoint trails the confirmed head by more than maxLag.
func (c *RPCChecker) Lag(ctx context.Context) error {
	if c.checkpoint == nil || c.maxLag == 0 {
		return nil
	}
	head, err := c.src.Head(ctx)
	if err != nil {
		return fmt.Errorf("source rpc: %w", err)
	}
	if head < c.confirmations {
		return nil
	}
	safe := head - c.confirmations
	cp := c.checkpoint()
	if cp >= safe {
		return nil
	}
	if lag := safe - cp; lag > c.maxLag {
		return fmt.Errorf("checkpoint %d trails safe head %d by %d blocks", cp, safe, lag)
	}
	return nil
}
