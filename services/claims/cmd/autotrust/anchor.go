package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/ledger/solana"
	"github.com/autotrust/autotrust/services/claims/internal/receipts"
)

var (
	anchorClaimID string
	anchorScheme  string
)

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Anchor a claim with the configured server keypair",
	Long: "Prepares the next-nonce payload for the keypair's wallet, submits it, waits for " +
		"confirmation and records the anchor. On a confirmation timeout nothing is recorded.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if anchorClaimID == "" {
			return eris.New("--claim-id is required")
		}
		ctx := cmd.Context()
		e, err := initEnv(ctx, cfg, "anchor")
		if err != nil {
			return err
		}
		defer e.Close()

		kp, err := solana.LoadKeypair(cfg.Ledger.KeypairPath)
		if err != nil {
			return err
		}
		rec, err := e.Builder.Anchor(ctx, anchorClaimID, kp, claim.AnchorScheme(anchorScheme))
		if eris.Is(err, receipts.ErrPending) {
			zap.L().Warn("anchor submitted but not confirmed in time; resend the receipt later",
				zap.String("claim_id", anchorClaimID),
				zap.Error(err),
			)
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	anchorCmd.Flags().StringVar(&anchorClaimID, "claim-id", "", "claim to anchor")
	anchorCmd.Flags().StringVar(&anchorScheme, "scheme", string(claim.SchemeMemo), "anchor scheme: memo or account")
	rootCmd.AddCommand(anchorCmd)
}
