package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
)

// KeySeeder inserts configured keys when the key table is empty.
type KeySeeder interface {
	BootstrapKeys(ctx context.Context, keys map[string]string) (int, error)
}

// BootstrapKeys migrates OCR_API_KEY / OCR_API_KEYS into an empty key store.
// Once the store holds any key, configuration changes are ignored and keys
// are managed with the admin CLI.
func BootstrapKeys(ctx context.Context, store KeySeeder, cfg *config.AuthConfig) (int, error) {
	keys, err := cfg.BootstrapKeys()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := store.BootstrapKeys(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to migrate configured API keys: %w", err)
	}
	if n > 0 {
		slog.Info("migrated API keys from configuration", "count", n)
	} else {
		slog.Debug("API key store already initialised; configured keys ignored", "configured", len(keys))
	}
	return n, nil
}
