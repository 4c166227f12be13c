package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/storage"
)

// newTestStorage creates a LocalStorage backed by a temporary directory.
func newTestStorage(t *testing.T, serveDirectly bool) *LocalStorage {
	t.Helper()
	cfg := &config.LocalStorageConfig{
		BasePath:      t.TempDir(),
		ServeDirectly: serveDirectly,
	}
	s, err := New(cfg, "http://localhost:8081/")
	if err != nil {
		t.Fatal("New:", err)
	}
	return s
}

func put(t *testing.T, s *LocalStorage, path, content string) {
	t.Helper()
	if _, err := s.Put(context.Background(), path, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put(%s) error: %v", path, err)
	}
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_CreatesDirectory(t *testing.T) {
	subDir := filepath.Join(t.TempDir(), "a", "b", "workspace")
	if _, err := New(&config.LocalStorageConfig{BasePath: subDir}, ""); err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(subDir); err != nil {
		t.Errorf("New() did not create base directory: %v", err)
	}
}

func TestNew_EmptyPath(t *testing.T) {
	if _, err := New(&config.LocalStorageConfig{}, ""); err == nil {
		t.Error("New() = nil error, want error for empty base_path")
	}
}

// ---------------------------------------------------------------------------
// Put / Open / Stat
// ---------------------------------------------------------------------------

func TestPutAndOpen(t *testing.T) {
	s := newTestStorage(t, false)
	ctx := context.Background()

	content := "%PDF-1.7 body"
	obj, err := s.Put(ctx, "input/abc/doc.pdf", strings.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if obj.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", obj.Size, len(content))
	}
	if len(obj.Checksum) != 64 {
		t.Errorf("Checksum len = %d, want 64", len(obj.Checksum))
	}

	rc, err := s.Open(ctx, "input/abc/doc.pdf")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != content {
		t.Errorf("Open() content = %q, want %q", got, content)
	}

	entries, _ := os.ReadDir(filepath.Join(s.basePath, "input", "abc"))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want only the object (no temp files)", len(entries))
	}
}

func TestPut_Overwrites(t *testing.T) {
	s := newTestStorage(t, false)
	put(t, s, "output/k/doc.md", "first")
	put(t, s, "output/k/doc.md", "second")

	obj, err := s.Stat(context.Background(), "output/k/doc.md")
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if obj.Size != int64(len("second")) {
		t.Errorf("Size = %d after overwrite, want %d", obj.Size, len("second"))
	}
}

func TestPut_Concurrent(t *testing.T) {
	s := newTestStorage(t, false)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put(context.Background(), "input/k/same.pdf", strings.NewReader("same bytes"), 10); err != nil {
				t.Errorf("Put() error: %v", err)
			}
		}()
	}
	wg.Wait()

	obj, err := s.Stat(context.Background(), "input/k/same.pdf")
	if err != nil || obj.Size != 10 {
		t.Errorf("Stat() = %+v, %v", obj, err)
	}
}

func TestOpenAndStat_NotFound(t *testing.T) {
	s := newTestStorage(t, false)
	ctx := context.Background()

	if _, err := s.Open(ctx, "output/missing.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Open() error = %v, want ErrNotFound", err)
	}
	if _, err := s.Stat(ctx, "output/missing.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Stat() error = %v, want ErrNotFound", err)
	}

	put(t, s, "output/k/a.md", "x")
	if _, err := s.Stat(ctx, "output/k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Stat(dir) error = %v, want ErrNotFound", err)
	}
}

func TestLocalPath_Escape(t *testing.T) {
	s := newTestStorage(t, false)
	for _, p := range []string{"../outside", "output/../../outside", ""} {
		if _, err := s.LocalPath(p); err == nil {
			t.Errorf("LocalPath(%q) = nil error, want escape error", p)
		}
	}
	if _, err := s.Put(context.Background(), "../evil", strings.NewReader("x"), 1); err == nil {
		t.Error("Put() outside base = nil error")
	}
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func TestDelete_RemovesEmptyParents(t *testing.T) {
	s := newTestStorage(t, false)
	put(t, s, "output/k/auto/images/p1.png", "png")

	if err := s.Delete(context.Background(), "output/k/auto/images/p1.png"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.basePath, "output")); !os.IsNotExist(err) {
		t.Error("Delete() left empty parent directories behind")
	}
	if _, err := os.Stat(s.basePath); err != nil {
		t.Error("Delete() removed the base directory")
	}
}

func TestDelete_Missing(t *testing.T) {
	s := newTestStorage(t, false)
	if err := s.Delete(context.Background(), "output/none"); err != nil {
		t.Errorf("Delete() of missing file error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// SignedURL / Ping
// ---------------------------------------------------------------------------

func TestSignedURL(t *testing.T) {
	ctx := context.Background()

	direct := newTestStorage(t, true)
	put(t, direct, "output/k/doc.md", "x")
	u, err := direct.SignedURL(ctx, "output/k/doc.md", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL() error: %v", err)
	}
	if u != "http://localhost:8081/files/output/k/doc.md" {
		t.Errorf("SignedURL() = %q", u)
	}

	plain := newTestStorage(t, false)
	put(t, plain, "output/k/doc.md", "x")
	u, err = plain.SignedURL(ctx, "output/k/doc.md", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL() error: %v", err)
	}
	if !strings.HasPrefix(u, "file://") {
		t.Errorf("SignedURL() = %q, want file:// URL", u)
	}

	if _, err := plain.SignedURL(ctx, "output/k/none.md", time.Minute); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("SignedURL(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStorage(t, false)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
	os.RemoveAll(s.basePath)
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() = nil error after base directory removed")
	}
}
