package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Issue and inspect license keys",
}

type keysGenerateFlags struct {
	product   string
	quantity  int
	expiresIn time.Duration
}

var keysGenerateArgs keysGenerateFlags

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a batch of keys for a product",
	Example: `  # Print 50 codes for the monthly plan, redeemable for 90 days
  licensectl keys generate --product pro-30 --quantity 50 --expires-in 2160h`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			return generateKeys(cmd.Context(), b.keys, keysGenerateArgs, rootArgs.actor, cmd.OutOrStdout())
		})
	},
}

var keysStatusCmd = &cobra.Command{
	Use:   "status [code]",
	Short: "Show the public status of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			return keyStatus(cmd.Context(), b.keys, args[0], cmd.OutOrStdout())
		})
	},
}

var keysDeactivateCmd = &cobra.Command{
	Use:   "deactivate [key-id]",
	Short: "Revoke an unredeemed key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			if err := b.keys.DeactivateKey(cmd.Context(), args[0], rootArgs.actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %s deactivated\n", args[0])
			return nil
		})
	},
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keysGenerateArgs.product, "product", "", "product id (required)")
	keysGenerateCmd.Flags().IntVar(&keysGenerateArgs.quantity, "quantity", 1, "number of keys to generate")
	keysGenerateCmd.Flags().DurationVar(&keysGenerateArgs.expiresIn, "expires-in", 0, "redemption deadline relative to now, 0 for none")
	_ = keysGenerateCmd.MarkFlagRequired("product")
	keysCmd.AddCommand(keysGenerateCmd, keysStatusCmd, keysDeactivateCmd)
	rootCmd.AddCommand(keysCmd)
}

func generateKeys(ctx context.Context, svc ports.KeyService, flags keysGenerateFlags, actor string, out io.Writer) error {
	req := ports.IssueRequest{ProductID: flags.product, Quantity: flags.quantity, IssuedBy: actor}
	if flags.expiresIn > 0 {
		expiresAt := time.Now().Add(flags.expiresIn)
		req.ExpiresAt = &expiresAt
	}

	keys, err := svc.GenerateCodes(ctx, req)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintf(out, "%s\t%s\n", k.ID, k.Code)
	}
	return nil
}

func keyStatus(ctx context.Context, svc ports.KeyService, code string, out io.Writer) error {
	view, err := svc.GetStatus(ctx, code)
	if err != nil {
		return err
	}
	if !view.Exists {
		fmt.Fprintf(out, "%s: not found\n", domain.MaskCode(domain.NormalizeCode(code)))
		return nil
	}
	fmt.Fprintf(out, "status:   %s\nredeemed: %t\nexpired:  %t\n", view.Status, view.IsRedeemed, view.IsExpired)
	return nil
}
