// api_key_repository.go implements APIKeyRepository, providing the key lookups
// behind the auth gate and the CRUD used by the admin CLI.
package repositories

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/db"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, api_key, user_id, is_active, description, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*models.APIKey, error) {
	k := &models.APIKey{}
	err := row.Scan(&k.ID, &k.APIKey, &k.UserID, &k.IsActive, &k.Description, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// FindActiveKey returns the active record matching token, or nil if none does.
func (r *APIKeyRepository) FindActiveKey(ctx context.Context, token string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE api_key = $1 AND is_active = $2`

	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, token, true))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// CountActiveKeys returns the number of enabled keys. Zero disables authentication.
func (r *APIKeyRepository) CountActiveKeys(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE is_active = $1`, true).Scan(&n)
	return n, err
}

// CountKeys returns the number of keys regardless of state.
func (r *APIKeyRepository) CountKeys(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n)
	return n, err
}

// CreateKey inserts a new active key and fills in its ID and CreatedAt.
// A key string that already exists yields ErrDuplicateKey.
func (r *APIKeyRepository) CreateKey(ctx context.Context, key *models.APIKey) error {
	key.CreatedAt = time.Now().UTC()
	key.IsActive = true

	query := `
		INSERT INTO api_keys (api_key, user_id, is_active, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		key.APIKey, key.UserID, key.IsActive, key.Description, key.CreatedAt,
	).Scan(&key.ID)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// ListKeys returns every key, newest first.
func (r *APIKeyRepository) ListKeys(ctx context.Context) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetKey retrieves a key by ID, or nil if it does not exist.
func (r *APIKeyRepository) GetKey(ctx context.Context, id int64) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// DeleteKey removes a key. It reports false when no row had that ID.
func (r *APIKeyRepository) DeleteKey(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetActive enables or disables a key. It reports false when no row had that ID.
func (r *APIKeyRepository) SetActive(ctx context.Context, id int64, active bool) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ToggleKey flips a key's active flag and returns the updated record, or nil
// if the key does not exist.
func (r *APIKeyRepository) ToggleKey(ctx context.Context, id int64) (*models.APIKey, error) {
	k, err := r.GetKey(ctx, id)
	if err != nil || k == nil {
		return nil, err
	}
	ok, err := r.SetActive(ctx, id, !k.IsActive)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	k.IsActive = !k.IsActive
	return k, nil
}

// BootstrapKeys seeds the table from configuration, keyed by user id. It only
// writes when the table is empty, so it runs at most once per fresh store.
// It returns the number of keys inserted.
func (r *APIKeyRepository) BootstrapKeys(ctx context.Context, keys map[string]string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	users := make([]string, 0, len(keys))
	for user := range keys {
		users = append(users, user)
	}
	sort.Strings(users)

	inserted := 0
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		now := time.Now().UTC()
		query := `
			INSERT INTO api_keys (api_key, user_id, is_active, description, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (api_key) DO NOTHING
		`
		for _, user := range users {
			res, err := tx.ExecContext(ctx, query, keys[user], user, true, "migrated from configuration", now)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
