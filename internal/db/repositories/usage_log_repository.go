// usage_log_repository.go implements UsageLogRepository for the append-only
// usage_logs table and the aggregate reports read by the admin CLI.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

// UsageLogRepository handles usage log database operations
type UsageLogRepository struct {
	db *sql.DB
}

// NewUsageLogRepository creates a new UsageLogRepository
func NewUsageLogRepository(db *sql.DB) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

// UsageFilter narrows usage queries. Zero values mean no restriction.
type UsageFilter struct {
	UserID string
	Limit  int
}

func (f UsageFilter) where(args []any) (string, []any) {
	if f.UserID == "" {
		return "", args
	}
	args = append(args, f.UserID)
	return fmt.Sprintf(" WHERE user_id = $%d", len(args)), args
}

// InsertUsage appends a usage row and fills in its ID.
func (r *UsageLogRepository) InsertUsage(ctx context.Context, entry *models.UsageLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO usage_logs (content_key, api_key, user_id, ip_address, endpoint, filename,
			page_count, output_chars, is_cached, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		entry.ContentKey,
		entry.APIKey,
		entry.UserID,
		entry.IPAddress,
		entry.Endpoint,
		entry.Filename,
		entry.PageCount,
		entry.OutputChars,
		entry.IsCached,
		entry.Success,
		entry.ErrorMessage,
		entry.CreatedAt,
	).Scan(&entry.ID)
}

// ListUsage returns the most recent usage rows, newest first.
func (r *UsageLogRepository) ListUsage(ctx context.Context, filter UsageFilter) ([]*models.UsageLog, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, content_key, api_key, user_id, ip_address, endpoint, filename,
		page_count, output_chars, is_cached, success, error_message, created_at
		FROM usage_logs`)

	where, args := filter.where(nil)
	b.WriteString(where)
	b.WriteString(" ORDER BY created_at DESC, id DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.UsageLog
	for rows.Next() {
		l := &models.UsageLog{}
		if err := rows.Scan(
			&l.ID,
			&l.ContentKey,
			&l.APIKey,
			&l.UserID,
			&l.IPAddress,
			&l.Endpoint,
			&l.Filename,
			&l.PageCount,
			&l.OutputChars,
			&l.IsCached,
			&l.Success,
			&l.ErrorMessage,
			&l.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// UsageStats aggregates request, success, cache-hit, page and character totals.
func (r *UsageLogRepository) UsageStats(ctx context.Context, filter UsageFilter) (*models.UsageStats, error) {
	where, args := filter.where(nil)
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_cached THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(page_count), 0),
			COALESCE(SUM(output_chars), 0)
		FROM usage_logs` + where

	s := &models.UsageStats{}
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&s.TotalRequests,
		&s.SuccessfulRequests,
		&s.CachedRequests,
		&s.TotalPages,
		&s.TotalChars,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
