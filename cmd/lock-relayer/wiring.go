package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/devblac/lock-relayer/internal/config"
	"github.com/devblac/lock-relayer/internal/ledger"
	"github.com/devblac/lock-relayer/internal/storage"
	"github.com/devblac/lock-relayer/internal/submit"
)

// openLedger returns the configured dedup ledger. The sqlite backend is the
// relayer store itself, so its closer is a no-op.
func openLedger(ctx context.Context, cfg config.LedgerConfig, store *storage.Store, log *slog.Logger) (ledger.Ledger, func() error, error) {
	switch cfg.Backend {
	case "jsonl":
		l, err := ledger.OpenFile(cfg.Path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open jsonl ledger: %w", err)
		}
		return l, l.Close, nil
	case "postgres":
		l, err := ledger.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return l, l.Close, nil
	default:
		return store, func() error { return nil }, nil
	}
}

// newSubmitter builds the destination submitter. Dry runs always simulate.
func newSubmitter(ctx context.Context, cfg config.SubmitterConfig, log *slog.Logger, dryRun bool) (submit.Submitter, error) {
	if dryRun {
		log.Info("dry run, destination submissions are simulated", "configured", cfg.Type)
		return submit.NewLogSubmitter(log, cfg.Signer), nil
	}

	switch cfg.Type {
	case "webhook":
		w, err := submit.NewWebhook(cfg.URL, cfg.Method, cfg.Template)
		if err != nil {
			return nil, err
		}
		return w, nil
	case "kafka":
		k, err := submit.NewKafka(cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, err
		}
		return k, nil
	case "evm":
		e, err := submit.DialEVM(ctx, cfg.RPCURL, submit.EVMOptions{
			ChainID:    big.NewInt(cfg.ChainID),
			Contract:   cfg.Contract,
			PrivateKey: cfg.PrivateKey,
			GasLimit:   cfg.GasLimit,
			WaitMined:  cfg.WaitMined,
		})
		if err != nil {
			return nil, err
		}
		log.Info("evm submitter ready", "from", e.From().Hex(), "chain_id", cfg.ChainID)
		return e, nil
	default:
		return submit.NewLogSubmitter(log, cfg.Signer), nil
	}
}

func closeSubmitter(s submit.Submitter, log *slog.Logger) {
	c, ok := s.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("close submitter", "submitter", s.Name(), "err", err)
	}
}
