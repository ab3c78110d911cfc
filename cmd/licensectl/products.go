package main

import (
	"context"
	"fmt"
	"io"

	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/spf13/cobra"
)

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "Seed the product catalog",
}

type productsUpsertFlags struct {
	id       string
	name     string
	days     int
	lifetime bool
	price    float64
	inactive bool
}

var productsUpsertArgs productsUpsertFlags

var productsUpsertCmd = &cobra.Command{
	Use:   "upsert",
	Short: "Create or update a product",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			return upsertProduct(cmd.Context(), b.store, productsUpsertArgs, cmd.OutOrStdout())
		})
	},
}

func init() {
	productsUpsertCmd.Flags().StringVar(&productsUpsertArgs.id, "id", "", "product id (required)")
	productsUpsertCmd.Flags().StringVar(&productsUpsertArgs.name, "name", "", "display name")
	productsUpsertCmd.Flags().IntVar(&productsUpsertArgs.days, "days", 30, "subscription length in days")
	productsUpsertCmd.Flags().BoolVar(&productsUpsertArgs.lifetime, "lifetime", false, "grant a lifetime subscription")
	productsUpsertCmd.Flags().Float64Var(&productsUpsertArgs.price, "price", 0, "purchase amount recorded on redemption")
	productsUpsertCmd.Flags().BoolVar(&productsUpsertArgs.inactive, "inactive", false, "retire the product")
	_ = productsUpsertCmd.MarkFlagRequired("id")
	productsCmd.AddCommand(productsUpsertCmd)
	rootCmd.AddCommand(productsCmd)
}

type productWriter interface {
	UpsertProduct(ctx context.Context, p *domain.Product) error
}

func upsertProduct(ctx context.Context, repo productWriter, flags productsUpsertFlags, out io.Writer) error {
	p := &domain.Product{
		ID:           flags.id,
		Name:         flags.name,
		DurationDays: flags.days,
		Price:        flags.price,
		IsActive:     !flags.inactive,
	}
	if flags.lifetime {
		p.DurationDays = domain.LifetimeDurationDays
	}
	if p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.DurationDays <= 0 {
		return fmt.Errorf("days must be positive")
	}
	if p.Price < 0 {
		return fmt.Errorf("price cannot be negative")
	}

	if err := repo.UpsertProduct(ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(out, "product %s saved (%d days, active=%t)\n", p.ID, p.DurationDays, p.IsActive)
	return nil
}
