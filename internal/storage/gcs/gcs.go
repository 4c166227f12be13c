// Package gcs keeps the workspace in a Google Cloud Storage bucket. Clients
// download converted files through V4 signed URLs. Credentials come from a
// service account key file or Application Default Credentials; a custom
// endpoint without a key file targets an unauthenticated emulator.
package gcs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	appconfig "github.com/ocr-gateway/ocr-gateway/internal/config"
	appstorage "github.com/ocr-gateway/ocr-gateway/internal/storage"
)

const checksumMeta = "sha256"

func init() {
	appstorage.Register("gcs", func(cfg *appconfig.Config) (appstorage.Storage, error) {
		return New(&cfg.Storage.GCS)
	})
}

// GCSStorage stores workspace objects in one bucket.
type GCSStorage struct {
	client *storage.Client
	bucket string
}

// New creates a GCS backend.
func New(cfg *appconfig.GCSStorageConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket name is required")
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case cfg.Endpoint != "":
		opts = append(opts, option.WithoutAuthentication())
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{client: client, bucket: cfg.Bucket}, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path)
}

// Put streams the object to GCS, recording its SHA-256 in metadata.
func (s *GCSStorage) Put(ctx context.Context, path string, reader io.Reader, size int64) (*appstorage.Object, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	writer := s.object(path).NewWriter(ctx)
	writer.Metadata = map[string]string{checksumMeta: checksum}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return &appstorage.Object{
		Path:         path,
		Size:         int64(len(data)),
		Checksum:     checksum,
		LastModified: time.Now(),
	}, nil
}

// Open returns a reader over the object.
func (s *GCSStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	reader, err := s.object(path).NewReader(ctx)
	if err != nil {
		return nil, mapError("read", path, err)
	}
	return reader, nil
}

// Stat reads object attributes.
func (s *GCSStorage) Stat(ctx context.Context, path string) (*appstorage.Object, error) {
	attrs, err := s.object(path).Attrs(ctx)
	if err != nil {
		return nil, mapError("stat", path, err)
	}
	return &appstorage.Object{
		Path:         path,
		Size:         attrs.Size,
		Checksum:     attrs.Metadata[checksumMeta],
		LastModified: attrs.Updated,
	}, nil
}

// Delete removes the object; a missing object is not an error.
func (s *GCSStorage) Delete(ctx context.Context, path string) error {
	if err := s.object(path).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

// SignedURL returns a V4 signed GET URL. Signing needs a service account key
// or signBlob permission for the ambient credentials.
func (s *GCSStorage) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if _, err := s.Stat(ctx, path); err != nil {
		return "", err
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(path, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

// Ping reads the bucket's attributes.
func (s *GCSStorage) Ping(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s unavailable: %w", s.bucket, err)
	}
	return nil
}

func mapError(op, path string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", appstorage.ErrNotFound, path)
	}
	return fmt.Errorf("failed to %s %s in GCS: %w", op, path, err)
}
