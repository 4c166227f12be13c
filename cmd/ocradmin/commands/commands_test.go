package commands

import (
	"bytes"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/fatih/color"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/db/repositories"
)

var keyCols = []string{"id", "api_key", "user_id", "is_active", "description", "created_at"}

var usageCols = []string{
	"id", "content_key", "api_key", "user_id", "ip_address", "endpoint", "filename",
	"page_count", "output_chars", "is_cached", "success", "error_message", "created_at",
}

var statsCols = []string{"total", "successful", "cached", "pages", "chars"}

type harness struct {
	mock sqlmock.Sqlmock
}

// newHarness points openStore at a sqlmock database for the test's duration.
func newHarness(t *testing.T) *harness {
	t.Helper()
	database, mock, err := sqlmock.New()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Auth.KeyPrefix = "ocr"
	cfg.Database.Driver = "sqlite3"
	st := &store{
		cfg:   cfg,
		db:    database,
		keys:  repositories.NewAPIKeyRepository(database),
		usage: repositories.NewUsageLogRepository(database),
	}

	orig := openStore
	openStore = func(string) (*store, error) { return st, nil }
	prevNoColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		openStore = orig
		color.NoColor = prevNoColor
	})
	return &harness{mock: mock}
}

// run executes ocradmin with args and returns everything it printed.
func (h *harness) run(args ...string) (string, error) {
	h.mock.ExpectClose()
	cmd := newRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func (h *harness) verify(t *testing.T) {
	t.Helper()
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// keys
// ---------------------------------------------------------------------------

func TestKeysList_MasksTokens(t *testing.T) {
	h := newHarness(t)
	created := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	h.mock.ExpectQuery("SELECT .* FROM api_keys ORDER BY created_at DESC").
		WillReturnRows(sqlmock.NewRows(keyCols).
			AddRow(2, "ocr_abcdefghijklmnopqrstuvwxyz", "alice", true, "laptop", created).
			AddRow(1, "short", "bob", false, "", created))

	out, err := h.run("keys", "list")
	require.NoError(t, err)
	h.verify(t)

	assert.Contains(t, out, "API KEY")
	assert.Contains(t, out, "ocr_abcdef...wxyz")
	assert.NotContains(t, out, "ocr_abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, out, "shor...")
	assert.Contains(t, out, "laptop")
	assert.Contains(t, out, "✓")
	assert.Contains(t, out, "✗")
}

func TestKeysList_Empty(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery("SELECT .* FROM api_keys").WillReturnRows(sqlmock.NewRows(keyCols))

	out, err := h.run("keys", "list")
	require.NoError(t, err)
	h.verify(t)
	assert.Contains(t, out, "No API keys found")
}

func TestKeysAdd_CustomKey(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs("my-custom-key-123456", "alice", true, "ci runner", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	out, err := h.run("keys", "add", "alice", "-d", "ci runner", "-k", "my-custom-key-123456")
	require.NoError(t, err)
	h.verify(t)

	assert.Contains(t, out, "API key created (ID: 7)")
	assert.Contains(t, out, "API Key: my-custom-key-123456")
	assert.Contains(t, out, "Description: ci runner")
	assert.Contains(t, out, "will not be shown in full again")
}

func TestKeysAdd_GeneratesPrefixedKey(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs(sqlmock.AnyArg(), "bob", true, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))

	out, err := h.run("keys", "add", "bob")
	require.NoError(t, err)
	h.verify(t)

	assert.Contains(t, out, "API Key: ocr_")
	assert.NotContains(t, out, "Description:")
}

func TestKeysAdd_Duplicate(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery("INSERT INTO api_keys").WillReturnError(&pq.Error{Code: "23505"})

	_, err := h.run("keys", "add", "alice", "-k", "taken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, repositories.ErrDuplicateKey), "got %v", err)
	h.verify(t)
}

func TestKeysAdd_RequiresUser(t *testing.T) {
	newHarness(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"keys", "add"})
	assert.Error(t, cmd.Execute())
}

func TestKeysDelete(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`FROM api_keys WHERE id = \$1`).WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(keyCols).AddRow(3, "tok", "carol", true, "", time.Now()))
	h.mock.ExpectExec(`DELETE FROM api_keys WHERE id = \$1`).WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := h.run("keys", "delete", "3")
	require.NoError(t, err)
	h.verify(t)
	assert.Contains(t, out, "API key 3 (user carol) deleted")
}

func TestKeysDelete_Unknown(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`FROM api_keys WHERE id = \$1`).WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(keyCols))

	_, err := h.run("keys", "delete", "9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API key with ID 9")
	h.verify(t)
}

func TestKeysDelete_BadID(t *testing.T) {
	newHarness(t)
	for _, arg := range []string{"abc", "0", "-4"} {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"keys", "delete", "--", arg})
		err := cmd.Execute()
		require.Error(t, err, arg)
		assert.Contains(t, err.Error(), "invalid key id", arg)
	}
}

func TestKeysToggle(t *testing.T) {
	tests := []struct {
		name    string
		active  bool
		wantArg bool
		want    string
	}{
		{"disable", true, false, "API key 3 (user carol) disabled"},
		{"enable", false, true, "API key 3 (user carol) enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.mock.ExpectQuery(`FROM api_keys WHERE id = \$1`).WithArgs(int64(3)).
				WillReturnRows(sqlmock.NewRows(keyCols).AddRow(3, "tok", "carol", tt.active, "", time.Now()))
			h.mock.ExpectExec(`UPDATE api_keys SET is_active = \$1 WHERE id = \$2`).
				WithArgs(tt.wantArg, int64(3)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			out, err := h.run("keys", "toggle", "3")
			require.NoError(t, err)
			h.verify(t)
			assert.Contains(t, out, tt.want)
		})
	}
}

// ---------------------------------------------------------------------------
// usage
// ---------------------------------------------------------------------------

func TestUsageStats_Percentages(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`SELECT COUNT\(\*\).* FROM usage_logs WHERE user_id = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(statsCols).AddRow(8, 6, 2, 40, 12000))

	out, err := h.run("usage", "stats", "-u", "alice")
	require.NoError(t, err)
	h.verify(t)

	assert.Contains(t, out, "Usage summary for alice")
	assert.Contains(t, out, "Total requests: 8")
	assert.Contains(t, out, "Successful:     6 (75%)")
	assert.Contains(t, out, "Cache hits:     2 (25%)")
	assert.Contains(t, out, "Total pages:    40")
	assert.Contains(t, out, "Total chars:    12000")
}

func TestUsageStats_EmptyLog(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`SELECT COUNT\(\*\).* FROM usage_logs`).
		WillReturnRows(sqlmock.NewRows(statsCols).AddRow(0, 0, 0, 0, 0))

	out, err := h.run("usage", "stats")
	require.NoError(t, err)
	h.verify(t)
	assert.Contains(t, out, "Successful:     0 (0%)")
}

func TestUsageList_RowsThenSummary(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.mock.ExpectQuery(`SELECT .* FROM usage_logs WHERE user_id = \$1 ORDER BY created_at DESC, id DESC LIMIT \$2`).
		WithArgs("alice", 5).
		WillReturnRows(sqlmock.NewRows(usageCols).
			AddRow(2, "0123456789abcdef", "tok", "alice", "10.0.0.1", "/file_mineru",
				"a-very-long-report-name-2024.pdf", 3, 900, true, true, nil, now).
			AddRow(1, "fedcba9876543210", nil, nil, "10.0.0.2", "/mineru", "b.pdf", 0, 0, false, false, "engine failed", now))
	h.mock.ExpectQuery(`SELECT COUNT\(\*\).* FROM usage_logs WHERE user_id = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(statsCols).AddRow(2, 1, 1, 3, 900))

	out, err := h.run("usage", "list", "-l", "5", "-u", "alice")
	require.NoError(t, err)
	h.verify(t)

	assert.Contains(t, out, "CONTENT KEY")
	assert.Contains(t, out, "01234567...")
	assert.Contains(t, out, "a-very-long-report-n...")
	assert.Contains(t, out, "N/A")
	assert.Contains(t, out, "/file_mineru")
	assert.Contains(t, out, "Total requests: 2")
}

func TestUsageList_NoRecords(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`SELECT .* FROM usage_logs ORDER BY created_at DESC, id DESC LIMIT \$1`).
		WithArgs(defaultUsageLimit).
		WillReturnRows(sqlmock.NewRows(usageCols))

	out, err := h.run("usage", "list")
	require.NoError(t, err)
	h.verify(t)
	assert.Contains(t, out, "No usage records found")
}

func TestUsageList_RejectsNonPositiveLimit(t *testing.T) {
	newHarness(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"usage", "list", "-l", "0"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit must be positive")
}

func TestMigrate_RejectsUnknownDirection(t *testing.T) {
	newHarness(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"migrate", "sideways"})
	assert.Error(t, cmd.Execute())
}

func TestOpenStoreError_IsReturned(t *testing.T) {
	orig := openStore
	t.Cleanup(func() { openStore = orig })
	openStore = func(string) (*store, error) { return nil, errors.New("no database") }

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"keys", "list"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))
	assert.Equal(t, "报告...", truncate("报告文件", 2))
}
