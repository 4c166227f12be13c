package models

import "time"

// UsageLog is one append-only accounting row, written once per resolved
// conversion request.
type UsageLog struct {
	ID           int64     `db:"id" json:"id"`
	ContentKey   string    `db:"content_key" json:"content_key"`
	APIKey       *string   `db:"api_key" json:"api_key,omitempty"` // nil when auth is disabled
	UserID       *string   `db:"user_id" json:"user_id,omitempty"`
	IPAddress    string    `db:"ip_address" json:"ip_address"`
	Endpoint     string    `db:"endpoint" json:"endpoint"`
	Filename     string    `db:"filename" json:"filename"`
	PageCount    int       `db:"page_count" json:"page_count"`
	OutputChars  int64     `db:"output_chars" json:"output_chars"`
	IsCached     bool      `db:"is_cached" json:"is_cached"`
	Success      bool      `db:"success" json:"success"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// UsageStats aggregates usage rows, optionally for a single user.
type UsageStats struct {
	TotalRequests      int64 `db:"total_requests" json:"total_requests"`
	SuccessfulRequests int64 `db:"successful_requests" json:"successful_requests"`
	CachedRequests     int64 `db:"cached_requests" json:"cached_requests"`
	TotalPages         int64 `db:"total_pages" json:"total_pages"`
	TotalChars         int64 `db:"total_chars" json:"total_chars"`
}
