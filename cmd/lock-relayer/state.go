package main

import (
	"fmt"

	"github.com/devblac/lock-relayer/internal/config"
	"github.com/devblac/lock-relayer/internal/storage"
	"github.com/spf13/cobra"
)

const stateAbandonedShown = 20

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the checkpoint, ledger size and retry queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := newLogger(cfg.Global.LogLevel)

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		height, hash, ok, err := store.GetCursor(ctx, cfg.Source.ID)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(out, "source %s: checkpoint %d %s\n", cfg.Source.ID, height, hash)
		} else {
			fmt.Fprintf(out, "source %s: no checkpoint (start_block %q)\n", cfg.Source.ID, cfg.Source.StartBlock)
		}

		led, closeLedger, err := openLedger(ctx, cfg.Ledger, store, log)
		if err != nil {
			return err
		}
		defer closeLedger()
		count, err := led.Count(ctx)
		if err != nil {
			return fmt.Errorf("count ledger: %w", err)
		}
		fmt.Fprintf(out, "ledger %s: %d records\n", cfg.Ledger.Backend, count)

		live, abandoned, err := store.PendingCounts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "retry queue: %d pending, %d abandoned\n", live, abandoned)

		if abandoned > 0 {
			entries, err := store.ListAbandoned(ctx, stateAbandonedShown)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(out, "  abandoned %s (%s, block %d, %d attempts): %s\n", e.ID, e.Kind, e.BlockNumber, e.Attempts, e.LastError)
			}
		}
		return nil
	},
}
