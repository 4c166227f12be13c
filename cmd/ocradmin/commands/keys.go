package commands

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocr-gateway/ocr-gateway/internal/auth"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
)

func newKeysCmd(opts *options) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "List, add, delete and enable/disable API keys",
	}

	keysCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all API keys (masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(s *store) error {
				return listKeys(cmd, s)
			})
		},
	})

	var description, customKey string
	addCmd := &cobra.Command{
		Use:   "add <user_id>",
		Short: "Add an API key for a user",
		Long: `Add an active API key for user_id. Without --key a random URL-safe key is
generated. The full key is printed once and never shown again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(s *store) error {
				return addKey(cmd, s, args[0], description, customKey)
			})
		},
	}
	addCmd.Flags().StringVarP(&description, "description", "d", "", "free-form note stored with the key")
	addCmd.Flags().StringVarP(&customKey, "key", "k", "", "use this key instead of generating one")
	keysCmd.AddCommand(addCmd)

	keysCmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.withStore(func(s *store) error {
				return deleteKey(cmd, s, id)
			})
		},
	})

	keysCmd.AddCommand(&cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable a disabled API key or disable an enabled one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return opts.withStore(func(s *store) error {
				return toggleKey(cmd, s, id)
			})
		},
	})

	return keysCmd
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid key id %q", arg)
	}
	return id, nil
}

func listKeys(cmd *cobra.Command, s *store) error {
	out := cmd.OutOrStdout()

	keys, err := s.keys.ListKeys(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list API keys: %w", err)
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys found")
		return nil
	}

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{
			strconv.FormatInt(k.ID, 10),
			auth.MaskKey(k.APIKey),
			k.UserID,
			k.CreatedAt.Local().Format(time.DateTime),
			check(k.IsActive),
			k.Description,
		})
	}
	table(out, []string{"ID", "API KEY", "USER ID", "CREATED AT", "ACTIVE", "DESCRIPTION"}, rows)
	return nil
}

func addKey(cmd *cobra.Command, s *store, userID, description, customKey string) error {
	out := cmd.OutOrStdout()

	token := customKey
	if token == "" {
		var err error
		token, err = auth.GenerateAPIKey(s.cfg.Auth.KeyPrefix)
		if err != nil {
			return err
		}
	}

	key := &models.APIKey{APIKey: token, UserID: userID, Description: description}
	if err := s.keys.CreateKey(cmd.Context(), key); err != nil {
		if errors.Is(err, repositories.ErrDuplicateKey) {
			return err
		}
		return fmt.Errorf("failed to create API key: %w", err)
	}

	success(out, "API key created (ID: %d)", key.ID)
	fmt.Fprintf(out, "  User ID: %s\n", userID)
	fmt.Fprintf(out, "  API Key: %s\n", token)
	if description != "" {
		fmt.Fprintf(out, "  Description: %s\n", description)
	}
	fmt.Fprintln(out)
	warning(out, "Store this key now; it will not be shown in full again")
	return nil
}

func deleteKey(cmd *cobra.Command, s *store, id int64) error {
	k, err := s.keys.GetKey(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to look up API key: %w", err)
	}
	if k == nil {
		return fmt.Errorf("no API key with ID %d", id)
	}

	deleted, err := s.keys.DeleteKey(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}
	if !deleted {
		return fmt.Errorf("no API key with ID %d", id)
	}

	success(cmd.OutOrStdout(), "API key %d (user %s) deleted", id, k.UserID)
	return nil
}

func toggleKey(cmd *cobra.Command, s *store, id int64) error {
	k, err := s.keys.ToggleKey(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to toggle API key: %w", err)
	}
	if k == nil {
		return fmt.Errorf("no API key with ID %d", id)
	}

	state := "disabled"
	if k.IsActive {
		state = "enabled"
	}
	success(cmd.OutOrStdout(), "API key %d (user %s) %s", id, k.UserID, state)
	return nil
}
