package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/devblac/lock-relayer/internal/config"
	"github.com/devblac/lock-relayer/internal/engine"
	"github.com/devblac/lock-relayer/internal/source/evm"
	"github.com/spf13/cobra"
)

const defaultHTTPTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		if _, err := evm.LoadLockEvent(cfg.Source.ABIPath); err != nil {
			return fmt.Errorf("abi invalid: %w", err)
		}
		if _, err := engine.CompilePredicates(cfg.Listener.Where); err != nil {
			return fmt.Errorf("listener.where invalid: %w", err)
		}

		client := &http.Client{Timeout: defaultHTTPTimeout}
		failures := 0

		chainID, err := pingEVM(cmd.Context(), client, cfg.Source.RPCURL)
		if err != nil {
			failures++
			fmt.Fprintf(out, "- source %s: ERROR %v\n", cfg.Source.ID, err)
		} else {
			fmt.Fprintf(out, "- source %s: chainId %s OK\n", cfg.Source.ID, chainID)
		}

		if cfg.Submitter.Type == "evm" {
			destID, err := pingEVM(cmd.Context(), client, cfg.Submitter.RPCURL)
			switch {
			case err != nil:
				failures++
				fmt.Fprintf(out, "- submitter evm: ERROR %v\n", err)
			case !sameChainID(destID, cfg.Submitter.ChainID):
				failures++
				fmt.Fprintf(out, "- submitter evm: chainId %s does not match chain_id %d\n", destID, cfg.Submitter.ChainID)
			default:
				fmt.Fprintf(out, "- submitter evm: chainId %s OK\n", destID)
			}
		} else {
			fmt.Fprintf(out, "- submitter %s: OK\n", cfg.Submitter.Type)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d endpoint(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingEVM(ctx context.Context, client *http.Client, url string) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == "" {
		return "", fmt.Errorf("empty chainId result")
	}

	return rpcResp.Result, nil
}

// sameChainID compares a 0x-quantity from eth_chainId with a configured id.
func sameChainID(hexID string, want int64) bool {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(strings.ToLower(hexID), "0x"), 16)
	return ok && n.Cmp(big.NewInt(want)) == 0
}
