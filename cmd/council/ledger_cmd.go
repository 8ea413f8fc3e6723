package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/ledger"
)

var ledgerPath string

func init() {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the evidence ledger",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a ledger file's hash chain and signatures",
		RunE:  runLedgerVerify,
	}
	verifyCmd.Flags().StringVar(&ledgerPath, "path", "", "Ledger JSONL path (required)")
	ledgerCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	if ledgerPath == "" {
		return withExitCode(1, fmt.Errorf("%w: --path is required", counciltypes.ErrInvalidMission))
	}
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(1, err)
	}

	keys := mergeKeyRing(cfg.Ledger.HMACKeyID, cfg.Ledger.HMACKey, cfg.Ledger.HMACKeyRing)
	result, err := ledger.Verify(ledgerPath, ledger.KeyRing{
		ActiveKeyID:     cfg.Ledger.HMACKeyID,
		Keys:            keys,
		SigningRequired: cfg.Ledger.SigningRequired,
	})
	if err != nil {
		return withExitCode(1, err)
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		fmt.Fprintf(out, "ledger verify: ok=%v entries=%d signed=%d legacy=%d\n", result.OK, result.Entries, result.SignedEntries, result.LegacyEntries)
		if !result.OK {
			fmt.Fprintf(out, "  broke at line %d: %s\n", result.Line, result.Reason)
		}
	}

	if !result.OK {
		return withExitCode(2, fmt.Errorf("%w: %s", counciltypes.ErrChainBroken, result.Reason))
	}
	return nil
}
