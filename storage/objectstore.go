package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	// Files at or below this size are uploaded through a single presigned PUT.
	maxSingleUploadBytes int64 = 50 * 1024 * 1024
	// Recommended part size the frontend should use for multipart uploads.
	multipartPartSize int64 = 10 * 1024 * 1024

	presignExpiry   = time.Hour
	downloadTimeout = 2 * time.Minute
)

// ObjectStore is the gateway to the S3-compatible object storage holding raw
// knowledge-base uploads. Keys are always tenant-scoped.
type ObjectStore struct {
	core   *minio.Core
	bucket string
}

// UploadTicket describes how the client should upload a file: either a single
// presigned PUT or a multipart upload whose parts are signed one by one.
type UploadTicket struct {
	Mode       string         `json:"mode"`
	StorageKey string         `json:"storage_key"`
	PutURL     string         `json:"put_url,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Multipart  *MultipartInfo `json:"multipart,omitempty"`
}

// MultipartInfo carries the upload session the client needs to sign parts.
type MultipartInfo struct {
	UploadID string `json:"upload_id"`
	PartSize int64  `json:"part_size"`
}

// CompletedPart is one uploaded multipart piece reported back by the client.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// NewObjectStoreFromEnv initialises the gateway using MINIO_* environment variables.
func NewObjectStoreFromEnv() (*ObjectStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, errors.New("storage: MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required")
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := core.Client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := core.Client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &ObjectStore{core: core, bucket: bucket}, nil
}

// BuildRawKey returns the canonical storage key for a raw knowledge-base upload:
// tenants/<tenant>/kb/raw/<uuid>_<filename>. The uuid nonce prevents overwrites
// between uploads that share a filename.
func BuildRawKey(tenantID, filename string) string {
	safe := strings.TrimSpace(strings.ReplaceAll(filename, "/", "_"))
	if safe == "" {
		safe = "upload.bin"
	}
	return fmt.Sprintf("tenants/%s/kb/raw/%s_%s", tenantID, uuid.NewString(), safe)
}

// KeyBelongsToTenant reports whether the storage key sits under the tenant prefix.
func KeyBelongsToTenant(tenantID, key string) bool {
	return tenantID != "" && strings.HasPrefix(key, "tenants/"+tenantID+"/")
}

// Download fetches the raw object bytes for the given storage key.
func (s *ObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.core == nil {
		return nil, errors.New("storage: object store not configured")
	}

	downloadCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	object, err := s.core.Client.GetObject(downloadCtx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get object %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("storage: read object %s: %w", key, err)
	}
	return data, nil
}

// PresignUpload issues an upload ticket for a new raw file. Small files get a
// single presigned PUT; anything above the threshold opens a multipart session.
func (s *ObjectStore) PresignUpload(ctx context.Context, tenantID, filename string, sizeBytes int64, mimeType string) (*UploadTicket, error) {
	if s == nil || s.core == nil {
		return nil, errors.New("storage: object store not configured")
	}
	if sizeBytes < 0 {
		return nil, errors.New("storage: size must not be negative")
	}

	contentType := strings.TrimSpace(mimeType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := BuildRawKey(tenantID, filename)
	expiresAt := time.Now().UTC().Add(presignExpiry)

	if sizeBytes <= maxSingleUploadBytes {
		putURL, err := s.core.Client.PresignedPutObject(ctx, s.bucket, key, presignExpiry)
		if err != nil {
			return nil, fmt.Errorf("storage: presign put %s: %w", key, err)
		}
		return &UploadTicket{
			Mode:       "single",
			StorageKey: key,
			PutURL:     putURL.String(),
			ExpiresAt:  expiresAt,
		}, nil
	}

	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("storage: create multipart upload %s: %w", key, err)
	}

	return &UploadTicket{
		Mode:       "multipart",
		StorageKey: key,
		ExpiresAt:  expiresAt,
		Multipart: &MultipartInfo{
			UploadID: uploadID,
			PartSize: multipartPartSize,
		},
	}, nil
}

// SignPart returns a presigned PUT URL for one multipart piece. The client
// sends the real Content-Length header; it is not part of the signature.
func (s *ObjectStore) SignPart(ctx context.Context, key, uploadID string, partNumber int) (string, error) {
	if s == nil || s.core == nil {
		return "", errors.New("storage: object store not configured")
	}
	if partNumber < 1 {
		return "", errors.New("storage: part number must be >= 1")
	}

	params := url.Values{}
	params.Set("uploadId", uploadID)
	params.Set("partNumber", strconv.Itoa(partNumber))

	signed, err := s.core.Client.Presign(ctx, http.MethodPut, s.bucket, key, presignExpiry, params)
	if err != nil {
		return "", fmt.Errorf("storage: presign part %d of %s: %w", partNumber, key, err)
	}
	return signed.String(), nil
}

// CompleteMultipart finalizes a multipart upload. Parts must be in ascending order.
func (s *ObjectStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	if s == nil || s.core == nil {
		return "", errors.New("storage: object store not configured")
	}
	if len(parts) == 0 {
		return "", errors.New("storage: parts list is empty")
	}

	completed := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		completed[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       strings.Trim(part.ETag, `"`),
		}
	}

	info, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("storage: complete multipart %s: %w", key, err)
	}
	return info.ETag, nil
}

// AbortMultipart discards an in-flight multipart upload.
func (s *ObjectStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if s == nil || s.core == nil {
		return errors.New("storage: object store not configured")
	}
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		return fmt.Errorf("storage: abort multipart %s: %w", key, err)
	}
	return nil
}

// PresignedGetURL returns a temporary download URL for the stored object.
func (s *ObjectStore) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s == nil || s.core == nil {
		return "", errors.New("storage: object store not configured")
	}
	if expiry <= 0 {
		expiry = presignExpiry
	}

	signed, err := s.core.Client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign get %s: %w", key, err)
	}
	return signed.String(), nil
}

// Put uploads bytes directly. Used by server-side tooling and tests rather than
// the browser upload path.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s == nil || s.core == nil {
		return errors.New("storage: object store not configured")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.core.Client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("storage: put object %s: %w", key, err)
	}
	return nil
}
