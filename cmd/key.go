// cmd/key.go
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openclaw/clawgate/internal/auth"
)

var (
	keyRole      string
	keyLabel     string
	keyAccountID string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage gateway API keys",
	Long: `Creates, lists, and revokes the API keys providers and consumers
authenticate with. Keys are stored as hashes; the secret is shown only
once at creation.`,
}

// openKeyStore opens the key database inside the configured data dir.
func openKeyStore() (*auth.KeyStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return auth.OpenKeyStore(filepath.Join(cfg.DataDir, "keys.db"))
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	Example: `  # Provider key for a GPU workstation
  clawgate key create --role provider --label "studio workstation"

  # Consumer key bound to an existing account
  clawgate key create --role consumer --account-id acct-123`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := auth.KeyRole(keyRole)
		if role != auth.RoleProvider && role != auth.RoleConsumer {
			return fmt.Errorf("role must be provider or consumer, got %q", keyRole)
		}

		store, err := openKeyStore()
		if err != nil {
			return err
		}
		defer store.Close()

		secret, key, err := store.CreateKey(role, keyLabel, keyAccountID)
		if err != nil {
			return err
		}

		color.Green("✓ key created")
		fmt.Printf("  secret:     %s\n", secret)
		fmt.Printf("  account id: %s\n", key.AccountID)
		fmt.Printf("  role:       %s\n", key.Role)
		if key.Label != "" {
			fmt.Printf("  label:      %s\n", key.Label)
		}
		color.Yellow("store the secret now; it cannot be recovered")
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openKeyStore()
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := store.ListKeys()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("no keys")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HASH\tACCOUNT\tROLE\tLABEL\tSTATUS\tCREATED")
		for _, k := range keys {
			status := "enabled"
			if !k.Enabled {
				status = "revoked"
			}
			fmt.Fprintf(w, "%.12s…\t%s\t%s\t%s\t%s\t%s\n",
				k.Hash, k.AccountID, k.Role, k.Label, status,
				k.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-or-hash>",
	Short: "Revoke an API key",
	Long:  `Revokes a key by its secret or its stored hash. Revocation is permanent.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openKeyStore()
		if err != nil {
			return err
		}
		defer store.Close()

		hash := args[0]
		if auth.ValidKeyShape(hash) {
			hash = auth.HashKey(hash)
		}
		if err := store.RevokeKey(hash); err != nil {
			return err
		}
		color.Green("✓ key revoked")
		return nil
	},
}

func init() {
	keyCreateCmd.Flags().StringVar(&keyRole, "role", "provider", "Key role: provider or consumer")
	keyCreateCmd.Flags().StringVar(&keyLabel, "label", "", "Human-readable label")
	keyCreateCmd.Flags().StringVar(&keyAccountID, "account-id", "", "Bind to an existing account id (default: mint a new one)")

	keyCmd.AddCommand(keyCreateCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyRevokeCmd)
	rootCmd.AddCommand(keyCmd)
}
