package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/autotrust/autotrust/pkg/claim"
	"github.com/autotrust/autotrust/pkg/verify"
	"github.com/autotrust/autotrust/services/claims/internal/store"
)

var (
	verifyClaimID string
	verifyCarID   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a claim, or every claim of a car, against the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (verifyClaimID == "") == (verifyCarID == "") {
			return eris.New("exactly one of --claim-id or --car-id is required")
		}
		ctx := cmd.Context()
		e, err := initEnv(ctx, cfg, "verify")
		if err != nil {
			return err
		}
		defer e.Close()

		var claims []claim.Claim
		if verifyClaimID != "" {
			c, err := e.Store.GetClaim(ctx, verifyClaimID)
			if err != nil {
				return err
			}
			claims = []claim.Claim{*c}
		} else {
			claims, err = e.Store.ListClaimsByCar(ctx, verifyCarID, store.DefaultListLimit)
			if err != nil {
				return err
			}
		}
		results, err := e.Verifier.VerifyMany(ctx, claims, cfg.Verify.Concurrency)
		if err != nil {
			return err
		}
		if failed := printResults(cmd.OutOrStdout(), claims, results); failed > 0 {
			return eris.Errorf("%d of %d claims did not verify", failed, len(claims))
		}
		return nil
	},
}

// printResults writes one line per claim and returns how many failed.
func printResults(w io.Writer, claims []claim.Claim, results []verify.Result) int {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	failed := 0
	for i, r := range results {
		c := claims[i]
		if r.Verified() {
			fmt.Fprintf(w, "%s %s %s\n", green(string(r.Status)), c.ID, dim(fmt.Sprintf("nonce=%v slot=%v", r.Details["nonce"], r.Details["slot"])))
			continue
		}
		failed++
		line := fmt.Sprintf("%s %s %s", red(string(r.Status)), c.ID, r.Reason)
		if field, ok := r.Details["field"]; ok {
			line += dim(fmt.Sprintf(" (%v)", field))
		}
		fmt.Fprintln(w, line)
	}
	return failed
}

func init() {
	verifyCmd.Flags().StringVar(&verifyClaimID, "claim-id", "", "claim to verify")
	verifyCmd.Flags().StringVar(&verifyCarID, "car-id", "", "verify every claim of this car")
	rootCmd.AddCommand(verifyCmd)
}
