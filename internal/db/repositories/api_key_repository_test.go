package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var apiKeyCols = []string{"id", "api_key", "user_id", "is_active", "description", "created_at"}

var errDB = errors.New("db error")

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

func sampleAPIKeyRow() *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyCols).
		AddRow(1, "ocr_abcdefghijklmnop", "alice", true, "CI key", time.Now())
}

func newAPIKeyRepo(t *testing.T) (*APIKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAPIKeyRepository(db), mock
}

// ---------------------------------------------------------------------------
// FindActiveKey
// ---------------------------------------------------------------------------

func TestFindActiveKey_Found(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .* FROM api_keys WHERE api_key = \\$1 AND is_active = \\$2").
		WithArgs("ocr_abcdefghijklmnop", true).
		WillReturnRows(sampleAPIKeyRow())

	k, err := repo.FindActiveKey(context.Background(), "ocr_abcdefghijklmnop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k == nil || k.UserID != "alice" || !k.IsActive {
		t.Errorf("FindActiveKey() = %+v", k)
	}
}

func TestFindActiveKey_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .* FROM api_keys").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	k, err := repo.FindActiveKey(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k != nil {
		t.Errorf("FindActiveKey() = %+v, want nil", k)
	}
}

func TestFindActiveKey_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .* FROM api_keys").WillReturnError(errDB)

	if _, err := repo.FindActiveKey(context.Background(), "x"); !errors.Is(err, errDB) {
		t.Errorf("error = %v, want errDB", err)
	}
}

// ---------------------------------------------------------------------------
// CountActiveKeys / CountKeys
// ---------------------------------------------------------------------------

func TestCountActiveKeys(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM api_keys WHERE is_active").
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.CountActiveKeys(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("CountActiveKeys() = %d, want 3", n)
	}
}

func TestCountKeys(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	n, err := repo.CountKeys(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("CountKeys() = %d, want 0", n)
	}
}

// ---------------------------------------------------------------------------
// CreateKey
// ---------------------------------------------------------------------------

func TestCreateKey_Success(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs("tok", "bob", true, "desc", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	key := &models.APIKey{APIKey: "tok", UserID: "bob", Description: "desc"}
	if err := repo.CreateKey(context.Background(), key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.ID != 7 || !key.IsActive || key.CreatedAt.IsZero() {
		t.Errorf("CreateKey() left key = %+v", key)
	}
}

func TestCreateKey_Duplicate(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("INSERT INTO api_keys").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.CreateKey(context.Background(), &models.APIKey{APIKey: "tok", UserID: "bob"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("error = %v, want ErrDuplicateKey", err)
	}
}

func TestCreateKey_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("INSERT INTO api_keys").WillReturnError(errDB)

	err := repo.CreateKey(context.Background(), &models.APIKey{APIKey: "tok", UserID: "bob"})
	if !errors.Is(err, errDB) {
		t.Errorf("error = %v, want errDB", err)
	}
}

// ---------------------------------------------------------------------------
// ListKeys / GetKey
// ---------------------------------------------------------------------------

func TestListKeys(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	rows := sqlmock.NewRows(apiKeyCols).
		AddRow(2, "tok-2", "bob", false, "", time.Now()).
		AddRow(1, "tok-1", "alice", true, "", time.Now())
	mock.ExpectQuery("SELECT .* FROM api_keys ORDER BY created_at DESC").WillReturnRows(rows)

	keys, err := repo.ListKeys(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 || keys[0].ID != 2 || keys[1].UserID != "alice" {
		t.Errorf("ListKeys() = %+v", keys)
	}
}

func TestListKeys_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .* FROM api_keys").WillReturnError(errDB)

	if _, err := repo.ListKeys(context.Background()); !errors.Is(err, errDB) {
		t.Errorf("error = %v, want errDB", err)
	}
}

func TestGetKey_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .* FROM api_keys WHERE id = \\$1").
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	k, err := repo.GetKey(context.Background(), 9)
	if err != nil || k != nil {
		t.Errorf("GetKey() = %+v, %v; want nil, nil", k, err)
	}
}

// ---------------------------------------------------------------------------
// DeleteKey / SetActive / ToggleKey
// ---------------------------------------------------------------------------

func TestDeleteKey(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("DELETE FROM api_keys WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM api_keys").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.DeleteKey(context.Background(), 1)
	if err != nil || !ok {
		t.Errorf("DeleteKey(1) = %v, %v; want true, nil", ok, err)
	}
	ok, err = repo.DeleteKey(context.Background(), 2)
	if err != nil || ok {
		t.Errorf("DeleteKey(2) = %v, %v; want false, nil", ok, err)
	}
}

func TestToggleKey(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .* FROM api_keys WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sampleAPIKeyRow())
	mock.ExpectExec("UPDATE api_keys SET is_active = \\$1 WHERE id = \\$2").
		WithArgs(false, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	k, err := repo.ToggleKey(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k == nil || k.IsActive {
		t.Errorf("ToggleKey() = %+v, want inactive key", k)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestToggleKey_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT .* FROM api_keys WHERE id").
		WillReturnRows(sqlmock.NewRows(apiKeyCols))

	k, err := repo.ToggleKey(context.Background(), 42)
	if err != nil || k != nil {
		t.Errorf("ToggleKey() = %+v, %v; want nil, nil", k, err)
	}
}

// ---------------------------------------------------------------------------
// BootstrapKeys
// ---------------------------------------------------------------------------

func TestBootstrapKeys_EmptyTable(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	// Users are inserted in sorted order.
	mock.ExpectExec("INSERT INTO api_keys .* ON CONFLICT \\(api_key\\) DO NOTHING").
		WithArgs("tok-a", "alice", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO api_keys").
		WithArgs("tok-b", "bob", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := repo.BootstrapKeys(context.Background(), map[string]string{"bob": "tok-b", "alice": "tok-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("BootstrapKeys() = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBootstrapKeys_NonEmptyTableIsNoop(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	n, err := repo.BootstrapKeys(context.Background(), map[string]string{"alice": "tok-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("BootstrapKeys() = %d, want 0", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBootstrapKeys_NoKeys(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	n, err := repo.BootstrapKeys(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("BootstrapKeys(nil) = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected queries: %v", err)
	}
}

func TestBootstrapKeys_InsertErrorRollsBack(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO api_keys").WillReturnError(errDB)
	mock.ExpectRollback()

	if _, err := repo.BootstrapKeys(context.Background(), map[string]string{"alice": "tok-a"}); !errors.Is(err, errDB) {
		t.Errorf("error = %v, want errDB", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
