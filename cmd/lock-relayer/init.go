package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing config file")
}

const sampleConfig = `version: 1

global:
  db_path: relayer.db
  log_level: info

source:
  id: sepolia-bridge
  rpc_url: ${RPC_URL}
  contract: ${BRIDGE_CONTRACT_ADDRESS}
  start_block: latest
  confirmations: 6
  chunk_size: 500
  fetch_timeout: 20s
  rpc_rps: 10
  disconnect_after: 3

connect:
  max_attempts: 3
  initial_backoff: 5s
  max_backoff: 1m
  multiplier: 2

listener:
  poll_interval: 10s
  error_backoff: 20s
  max_retries: 5
  where:
    - amount > 0

ledger:
  backend: sqlite

submitter:
  type: log
  timeout: 30s
  signer: ${RELAYER_SIGNER}
  # type: evm with wait_mined: true remembers a mint tx whose wait timed out
  # and checks it on retry instead of signing another. That memory is lost on
  # restart, so the destination contract must still refuse a repeated sourceRef.
`

const sampleEnv = `RPC_URL=https://sepolia.infura.io/v3/your-project-id
BRIDGE_CONTRACT_ADDRESS=0x0000000000000000000000000000000000000000
RELAYER_SIGNER=relayer-1
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config and .env next to it",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if err := writeSample(cfgPath, sampleConfig, flagForce); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", cfgPath)

		envPath := siblingEnv(cfgPath)
		if err := writeSample(envPath, sampleEnv, false); err != nil {
			if errors.Is(err, os.ErrExist) {
				fmt.Fprintf(out, "kept existing %s\n", envPath)
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", envPath)
		return nil
	},
}

func writeSample(path, content string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use --force): %w", path, err)
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// siblingEnv is the .env path config.Load picks up for configPath.
func siblingEnv(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), ".env")
}
