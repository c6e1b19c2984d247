package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/lock-relayer/internal/config"
	"github.com/devblac/lock-relayer/internal/engine"
	"github.com/devblac/lock-relayer/internal/health"
	"github.com/devblac/lock-relayer/internal/metrics"
	"github.com/devblac/lock-relayer/internal/source/evm"
	"github.com/devblac/lock-relayer/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagFrom    uint64
	flagTo      uint64
	flagHealth  string
	flagMetrics string
	flagMaxLag  uint64
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run a single cycle and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Simulate destination submissions")
	runCmd.Flags().Uint64Var(&flagFrom, "from", 0, "Reset the checkpoint to start scanning at this block")
	runCmd.Flags().Uint64Var(&flagTo, "to", 0, "Stop once the checkpoint reaches this block (inclusive)")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
	runCmd.Flags().Uint64Var(&flagMaxLag, "max-lag", 0, "Fail /healthz when the checkpoint trails the safe head by more blocks")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relayer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := newLogger(cfg.Global.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		if flagFrom > 0 {
			if err := store.UpsertCursor(ctx, cfg.Source.ID, flagFrom-1, ""); err != nil {
				return fmt.Errorf("reset checkpoint: %w", err)
			}
			log.Info("checkpoint reset", "source", cfg.Source.ID, "from", flagFrom)
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		conn, err := evm.NewConnector(cfg.Source, cfg.Connect, log, mtr)
		if err != nil {
			return fmt.Errorf("source: %w", err)
		}
		defer conn.Close()
		if err := conn.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("source unreachable", "err", err)
			return err
		}

		led, closeLedger, err := openLedger(ctx, cfg.Ledger, store, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeLedger(); err != nil {
				log.Warn("close ledger", "err", err)
			}
		}()

		sub, err := newSubmitter(ctx, cfg.Submitter, log, flagDryRun)
		if err != nil {
			return fmt.Errorf("submitter: %w", err)
		}
		defer closeSubmitter(sub, log)

		proc, err := engine.NewProcessor(led, sub, engine.ProcessorOptions{
			SourceChainID: conn.ChainID(),
			SubmitTimeout: cfg.Submitter.Timeout,
			Where:         cfg.Listener.Where,
			Logger:        log,
		})
		if err != nil {
			return err
		}

		listener := engine.NewListener(conn, proc, store, engine.ListenerOptions{
			SourceID:     cfg.Source.ID,
			StartBlock:   cfg.Source.StartBlock,
			PollInterval: cfg.Listener.PollInterval,
			ErrorBackoff: cfg.Listener.ErrorBackoff,
			MaxRetries:   cfg.Listener.MaxRetries,
			StopAt:       flagTo,
			Logger:       log,
			Metrics:      mtr,
		})

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(conn).WithLag(listener.CheckpointHeight, cfg.Source.Confirmations, flagMaxLag)
			var metricsHandler http.Handler
			if flagMetrics == flagHealth {
				metricsHandler = metrics.Handler()
			}
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: rpcChecker.Ping,
				LagPing: rpcChecker.Lag,
			}, metricsHandler)
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdown(healthSrv)
		}

		if flagMetrics != "" && flagMetrics != flagHealth {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer shutdown(srv)
		}

		log.Info("relayer starting",
			"source", cfg.Source.ID,
			"contract", cfg.Source.Contract,
			"chain_id", conn.ChainID(),
			"ledger", cfg.Ledger.Backend,
			"submitter", sub.Name(),
			"dry_run", flagDryRun,
		)

		if flagOnce {
			res, err := listener.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("run error", "error", err)
				return err
			}
			log.Info("cycle complete",
				"fetched", res.Fetched, "processed", res.Processed, "skipped", res.Skipped,
				"rejected", res.Rejected, "failed", res.Failed, "retried", res.Retried,
				"abandoned", res.Abandoned, "checkpoint", res.Checkpoint.Height)
			return nil
		}

		if err := listener.Run(ctx); err != nil {
			log.Error("relayer stopped", "error", err)
			return err
		}
		return nil
	},
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
