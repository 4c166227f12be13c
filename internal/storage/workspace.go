package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ocr-gateway/ocr-gateway/internal/db/models"
)

const (
	InputPrefix  = "input"
	OutputPrefix = "output"

	// uploadConcurrency bounds parallel uploads of one document's files.
	uploadConcurrency = 4
)

// InputPath is where a job's source PDF is staged.
func InputPath(key, filename string) string {
	return path.Join(InputPrefix, key, filename)
}

// OutputDir is the prefix holding a job's converted files.
func OutputDir(key string) string {
	return path.Join(OutputPrefix, key)
}

// OutputPath is the storage path of one converted file.
func OutputPath(key, rel string) string {
	return path.Join(OutputPrefix, key, rel)
}

// CleanPath validates a client-supplied workspace path. It must stay under
// input/ or output/ and may not contain "..".
func CleanPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" || strings.Contains(p, "..") || strings.Contains(p, "\\") {
		return "", false
	}
	clean := path.Clean(p)
	if !strings.HasPrefix(clean, InputPrefix+"/") && !strings.HasPrefix(clean, OutputPrefix+"/") {
		return "", false
	}
	return clean, true
}

// Workspace stages inputs and persists engine output on a Storage backend.
type Workspace struct {
	store  Storage
	stages singleflight.Group
}

// NewWorkspace wraps a storage backend.
func NewWorkspace(store Storage) *Workspace {
	return &Workspace{store: store}
}

// Storage returns the underlying backend.
func (w *Workspace) Storage() Storage {
	return w.store
}

// StageInput stores a job's source PDF and returns its path. Content is
// addressed by key, so an existing object of the same size is reused and
// concurrent stagings of one path collapse into a single write.
func (w *Workspace) StageInput(ctx context.Context, key, filename string, data []byte) (string, error) {
	p := InputPath(key, filename)
	_, err, _ := w.stages.Do(p, func() (any, error) {
		if obj, err := w.store.Stat(ctx, p); err == nil && obj.Size == int64(len(data)) {
			return nil, nil
		}
		_, err := w.store.Put(ctx, p, bytes.NewReader(data), int64(len(data)))
		return nil, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to stage input %s: %w", p, err)
	}
	return p, nil
}

// ReadInput reads a staged input.
func (w *Workspace) ReadInput(ctx context.Context, p string) ([]byte, error) {
	return w.read(ctx, p)
}

// SaveOutput uploads every file of a converted document from the local
// directory dir to output/<key>/.
func (w *Workspace) SaveOutput(ctx context.Context, key, dir string, files []models.OutputFile) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, f := range files {
		g.Go(func() error {
			src, err := os.Open(filepath.Join(dir, filepath.FromSlash(f.Path)))
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", f.Path, err)
			}
			defer src.Close()
			if _, err := w.store.Put(gctx, OutputPath(key, f.Path), src, f.Size); err != nil {
				return fmt.Errorf("failed to store %s: %w", f.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ReadOutput reads one converted file.
func (w *Workspace) ReadOutput(ctx context.Context, key, rel string) ([]byte, error) {
	return w.read(ctx, OutputPath(key, rel))
}

func (w *Workspace) read(ctx context.Context, p string) ([]byte, error) {
	rc, err := w.store.Open(ctx, p)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}
