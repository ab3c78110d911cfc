package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var subscriptionsCmd = &cobra.Command{
	Use:     "subscriptions",
	Aliases: []string{"subs"},
	Short:   "Manage subscriptions",
}

var subscriptionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deactivate every subscription past its expiry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			n, err := b.subs.SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d subscriptions deactivated\n", n)
			return nil
		})
	},
}

var extendDays int

var subscriptionsExtendCmd = &cobra.Command{
	Use:   "extend [subscription-id]",
	Short: "Push a subscription's expiry out by whole days",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			expiresAt, err := b.subs.Extend(cmd.Context(), args[0], extendDays, rootArgs.actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscription %s now expires %s\n", args[0], expiresAt.UTC().Format("2006-01-02T15:04:05Z"))
			return nil
		})
	},
}

var deactivateReason string

var subscriptionsDeactivateCmd = &cobra.Command{
	Use:   "deactivate [subscription-id]",
	Short: "Deactivate an active subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			if err := b.subs.Deactivate(cmd.Context(), args[0], deactivateReason, rootArgs.actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "subscription %s deactivated\n", args[0])
			return nil
		})
	},
}

func init() {
	subscriptionsExtendCmd.Flags().IntVar(&extendDays, "days", 0, "days to add (required)")
	_ = subscriptionsExtendCmd.MarkFlagRequired("days")
	subscriptionsDeactivateCmd.Flags().StringVar(&deactivateReason, "reason", "admin", "reason recorded on the subscription")
	subscriptionsCmd.AddCommand(subscriptionsSweepCmd, subscriptionsExtendCmd, subscriptionsDeactivateCmd)
	rootCmd.AddCommand(subscriptionsCmd)
}
