// Package models defines the database model types for the OCR gateway.
// Each type corresponds to a database table and uses struct tags for both JSON serialization and sqlx row scanning.
// Models are pure data types: business logic belongs in the service layer, query logic belongs in the repositories layer.
package models

import "time"

// APIKey is a bearer token accepted by the gateway. The token is stored as
// presented so that it can be matched exactly and recorded in usage rows.
type APIKey struct {
	ID          int64     `db:"id" json:"id"`
	APIKey      string    `db:"api_key" json:"api_key"`
	UserID      string    `db:"user_id" json:"user_id"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
