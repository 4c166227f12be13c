// Package local keeps the workspace on the local filesystem. It suits
// single-node deployments, or several nodes sharing one volume. Writes go
// through a temporary file and a rename so readers never observe a partial
// object.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/storage"
)

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local, cfg.Server.GetDownloadBaseURL())
	})
}

// LocalStorage stores workspace objects below a base directory.
type LocalStorage struct {
	basePath      string
	serveDirectly bool
	baseURL       string
}

// New creates the base directory if needed.
func New(cfg *config.LocalStorageConfig, baseURL string) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local storage base_path is required")
	}
	base, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(base, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{
		basePath:      base,
		serveDirectly: cfg.ServeDirectly,
		baseURL:       strings.TrimRight(baseURL, "/"),
	}, nil
}

// LocalPath maps a workspace path to a file below the base directory.
func (s *LocalStorage) LocalPath(path string) (string, error) {
	full := filepath.Join(s.basePath, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.basePath, full)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

// Put writes the object via a temp file in the same directory.
func (s *LocalStorage) Put(ctx context.Context, path string, reader io.Reader, size int64) (*storage.Object, error) {
	fullPath, err := s.LocalPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), reader)
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &storage.Object{
		Path:         path,
		Size:         written,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		LastModified: time.Now(),
	}, nil
}

// Open opens the object's file.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := s.LocalPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Stat returns size and modification time. The checksum is left empty.
func (s *LocalStorage) Stat(ctx context.Context, path string) (*storage.Object, error) {
	fullPath, err := s.LocalPath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", storage.ErrNotFound, path)
	}
	return &storage.Object{Path: path, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Delete removes the file and any parent directories it leaves empty.
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := s.LocalPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	for dir := filepath.Dir(fullPath); dir != s.basePath; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// SignedURL returns the gateway's /files link when serve_directly is on,
// otherwise a file:// URL.
func (s *LocalStorage) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if _, err := s.Stat(ctx, path); err != nil {
		return "", err
	}
	if s.serveDirectly {
		return fmt.Sprintf("%s/files/%s", s.baseURL, path), nil
	}
	fullPath, _ := s.LocalPath(path)
	return "file://" + filepath.ToSlash(fullPath), nil
}

// Ping checks that the base directory is still there.
func (s *LocalStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("storage directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage path %s is not a directory", s.basePath)
	}
	return nil
}
