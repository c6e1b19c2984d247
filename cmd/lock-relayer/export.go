package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/devblac/lock-relayer/internal/config"
	"github.com/devblac/lock-relayer/internal/ledger"
	"github.com/devblac/lock-relayer/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportWhat   string
	flagExportFormat string
	flagExportOutput string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportWhat, "what", "records", "What to export: records|pending|abandoned")
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json|csv")
	exportCmd.Flags().StringVarP(&flagExportOutput, "output", "o", "", "Output file (default stdout)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger records or the retry queue as json or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if flagExportFormat != "json" && flagExportFormat != "csv" {
			return fmt.Errorf("unsupported format %q", flagExportFormat)
		}

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

		var w io.Writer = cmd.OutOrStdout()
		if flagExportOutput != "" {
			f, err := os.Create(flagExportOutput)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			w = f
		}

		switch flagExportWhat {
		case "records":
			led, closeLedger, err := openLedger(ctx, cfg.Ledger, store, log)
			if err != nil {
				return err
			}
			defer closeLedger()
			recs, err := led.List(ctx)
			if err != nil {
				return fmt.Errorf("list ledger: %w", err)
			}
			return writeRecords(w, flagExportFormat, recs)
		case "pending":
			entries, err := store.ListPending(ctx, 0)
			if err != nil {
				return err
			}
			return writePending(w, flagExportFormat, entries)
		case "abandoned":
			entries, err := store.ListAbandoned(ctx, 0)
			if err != nil {
				return err
			}
			return writePending(w, flagExportFormat, entries)
		default:
			return fmt.Errorf("unsupported export %q", flagExportWhat)
		}
	},
}

func writeRecords(w io.Writer, format string, recs []ledger.Record) error {
	if recs == nil {
		recs = []ledger.Record{}
	}
	if format == "json" {
		return writeJSON(w, recs)
	}
	rows := [][]string{{"id", "tx_hash", "log_index", "block_number", "intent_id", "receipt", "recorded_at"}}
	for _, r := range recs {
		rows = append(rows, []string{
			r.ID,
			r.TxHash,
			strconv.FormatUint(uint64(r.LogIndex), 10),
			strconv.FormatUint(r.BlockNumber, 10),
			r.IntentID,
			r.Receipt,
			r.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	return writeCSV(w, rows)
}

type pendingRow struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	BlockNumber uint64          `json:"block_number"`
	LogIndex    uint            `json:"log_index"`
	IntentID    string          `json:"intent_id,omitempty"`
	Receipt     string          `json:"receipt,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error"`
	Abandoned   bool            `json:"abandoned"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Event       json.RawMessage `json:"event,omitempty"`
}

func writePending(w io.Writer, format string, entries []storage.PendingEntry) error {
	if format == "json" {
		rows := make([]pendingRow, 0, len(entries))
		for _, e := range entries {
			row := pendingRow{
				ID:          e.ID,
				Kind:        e.Kind,
				BlockNumber: e.BlockNumber,
				LogIndex:    e.LogIndex,
				IntentID:    e.IntentID,
				Receipt:     e.Receipt,
				Attempts:    e.Attempts,
				LastError:   e.LastError,
				Abandoned:   e.Abandoned,
				UpdatedAt:   e.UpdatedAt.UTC(),
			}
			if json.Valid([]byte(e.PayloadJSON)) {
				row.Event = json.RawMessage(e.PayloadJSON)
			}
			rows = append(rows, row)
		}
		return writeJSON(w, rows)
	}
	rows := [][]string{{"id", "kind", "block_number", "log_index", "intent_id", "receipt", "attempts", "last_error", "abandoned", "updated_at"}}
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID,
			e.Kind,
			strconv.FormatUint(e.BlockNumber, 10),
			strconv.FormatUint(uint64(e.LogIndex), 10),
			e.IntentID,
			e.Receipt,
			strconv.Itoa(e.Attempts),
			e.LastError,
			strconv.FormatBool(e.Abandoned),
			e.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return writeCSV(w, rows)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCSV(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}
