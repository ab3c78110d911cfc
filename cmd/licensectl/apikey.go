package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/cloudLicense/internal/adapters/api"
	"github.com/poyrazK/cloudLicense/internal/core/domain"
	"github.com/poyrazK/cloudLicense/internal/core/ports"
	"github.com/spf13/cobra"
)

const apiKeyPrefix = "cl_"

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys for the HTTP surface",
}

type apikeyCreateFlags struct {
	name string
	role string
	days int
}

var apikeyCreateArgs apikeyCreateFlags

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key and print it once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			return createAPIKey(cmd.Context(), b.store, apikeyCreateArgs.name, apikeyCreateArgs.role, apikeyCreateArgs.days, cmd.OutOrStdout())
		})
	},
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			return listAPIKeys(cmd.Context(), b.store, cmd.OutOrStdout())
		})
	},
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Delete an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd.Context(), func(b *backend) error {
			return revokeAPIKey(cmd.Context(), b.store, args[0], cmd.OutOrStdout())
		})
	},
}

func init() {
	apikeyCreateCmd.Flags().StringVar(&apikeyCreateArgs.name, "name", "generic-key", "description of the key")
	apikeyCreateCmd.Flags().StringVar(&apikeyCreateArgs.role, "role", string(domain.RoleService), "role (admin or service)")
	apikeyCreateCmd.Flags().IntVar(&apikeyCreateArgs.days, "days", 365, "validity in days, 0 for no expiry")
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func createAPIKey(ctx context.Context, repo ports.APIKeyRepository, name, role string, days int, out io.Writer) error {
	if !domain.Role(role).Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	rawKey := make([]byte, 16)
	if _, err := rand.Read(rawKey); err != nil {
		return err
	}
	keyString := apiKeyPrefix + hex.EncodeToString(rawKey)

	now := time.Now()
	apiKey := &domain.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   api.HashAPIKey(keyString),
		KeyPrefix: keyString[:8],
		Role:      domain.Role(role),
		Active:    true,
		CreatedAt: now,
	}
	if days > 0 {
		expiresAt := now.AddDate(0, 0, days)
		apiKey.ExpiresAt = &expiresAt
	}

	if err := repo.CreateAPIKey(ctx, apiKey); err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}

	fmt.Fprintf(out, "API Key Created Successfully!\n")
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "ID:         %s\n", apiKey.ID)
	fmt.Fprintf(out, "Role:       %s\n", role)
	if apiKey.ExpiresAt != nil {
		fmt.Fprintf(out, "Expires:    %v\n", apiKey.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "VALUE:      %s\n", keyString)
	fmt.Fprintf(out, "---------------------------\n")
	fmt.Fprintf(out, "CAUTION: This is the only time the key will be shown.\n")
	return nil
}

func listAPIKeys(ctx context.Context, repo ports.APIKeyRepository, out io.Writer) error {
	keys, err := repo.ListAPIKeys(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%-36s %-20s %-8s %-8s %-7s\n", "ID", "Name", "Role", "Prefix", "Status")
	now := time.Now()
	for _, k := range keys {
		status := "active"
		if !k.Active {
			status = "revoked"
		} else if k.Expired(now) {
			status = "expired"
		}
		fmt.Fprintf(out, "%-36s %-20s %-8s %-8s %-7s\n", k.ID, k.Name, k.Role, k.KeyPrefix, status)
	}
	return nil
}

func revokeAPIKey(ctx context.Context, repo ports.APIKeyRepository, id string, out io.Writer) error {
	if id == "" {
		return fmt.Errorf("id is required for revocation")
	}
	if err := repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "API Key %s revoked (deleted)\n", id)
	return nil
}
