// Package azure keeps the workspace in an Azure Blob Storage container.
// Converted files are handed out as short-lived read-only SAS URLs.
package azure

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/ocr-gateway/ocr-gateway/internal/config"
	"github.com/ocr-gateway/ocr-gateway/internal/storage"
)

const checksumMeta = "sha256"

func init() {
	storage.Register("azure", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Azure)
	})
}

// AzureStorage stores workspace objects as block blobs.
type AzureStorage struct {
	client        *azblob.Client
	containerName string
	accountName   string
	credential    *azblob.SharedKeyCredential
}

// New creates an Azure backend using shared key authentication.
func New(cfg *config.AzureStorageConfig) (*AzureStorage, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("azure storage account name is required")
	}
	if cfg.AccountKey == "" {
		return nil, fmt.Errorf("azure storage account key is required")
	}
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure storage container name is required")
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}

	return &AzureStorage{
		client:        client,
		containerName: cfg.ContainerName,
		accountName:   cfg.AccountName,
		credential:    credential,
	}, nil
}

func (s *AzureStorage) container() *container.Client {
	return s.client.ServiceClient().NewContainerClient(s.containerName)
}

// Put uploads a block blob with its SHA-256 in blob metadata.
func (s *AzureStorage) Put(ctx context.Context, path string, reader io.Reader, size int64) (*storage.Object, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	_, err = s.container().NewBlockBlobClient(path).Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		Metadata: map[string]*string{checksumMeta: &checksum},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}

	return &storage.Object{
		Path:         path,
		Size:         int64(len(data)),
		Checksum:     checksum,
		LastModified: time.Now(),
	}, nil
}

// Open streams the blob.
func (s *AzureStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	resp, err := s.container().NewBlobClient(path).DownloadStream(ctx, nil)
	if err != nil {
		return nil, mapError("download", path, err)
	}
	return resp.Body, nil
}

// Stat reads blob properties.
func (s *AzureStorage) Stat(ctx context.Context, path string) (*storage.Object, error) {
	props, err := s.container().NewBlobClient(path).GetProperties(ctx, nil)
	if err != nil {
		return nil, mapError("stat", path, err)
	}

	obj := &storage.Object{Path: path}
	for k, v := range props.Metadata {
		if strings.EqualFold(k, checksumMeta) && v != nil {
			obj.Checksum = *v
		}
	}
	if props.ContentLength != nil {
		obj.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		obj.LastModified = *props.LastModified
	}
	return obj, nil
}

// Delete removes the blob; a missing blob is not an error.
func (s *AzureStorage) Delete(ctx context.Context, path string) error {
	_, err := s.container().NewBlobClient(path).Delete(ctx, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete from Azure Blob: %w", err)
	}
	return nil
}

// SignedURL returns a read-only SAS URL for an existing blob.
func (s *AzureStorage) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if _, err := s.Stat(ctx, path); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(ttl),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: s.containerName,
		BlobName:      path,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to generate SAS token: %w", err)
	}

	blobURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s",
		s.accountName, s.containerName, (&url.URL{Path: path}).EscapedPath())
	return blobURL + "?" + params.Encode(), nil
}

// Ping reads the container's properties.
func (s *AzureStorage) Ping(ctx context.Context) error {
	if _, err := s.container().GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("azure container %s unavailable: %w", s.containerName, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func mapError(op, path string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return fmt.Errorf("failed to %s %s in Azure Blob: %w", op, path, err)
}
