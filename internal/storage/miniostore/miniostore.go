// Package miniostore adapts an S3-compatible object store to the
// storage.Backend capability set. Folders are key prefixes marked by a
// zero-byte object; chunked uploads map onto S3 multipart uploads, one part
// per chunk.
package miniostore

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kernelops/kdsync/internal/storage"
)

// Config identifies the bucket and credentials.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Insecure  bool
}

// Store is an S3-backed storage.Backend. Folder ids are key prefixes
// relative to the bucket root; the root id is the empty prefix.
type Store struct {
	core   *minio.Core
	bucket string
}

// New builds a Store against an S3-compatible endpoint.
func New(cfg Config) (*Store, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	core, err := minio.NewCore(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       !cfg.Insecure,
		Transport:    tr,
		Region:       "auto",
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("miniostore: init client: %v", err)
	}
	return &Store{core: core, bucket: cfg.Bucket}, nil
}

func (s *Store) RootID() string { return "" }

// folderKey is the zero-byte marker object for a folder prefix.
func folderKey(parentID, name string) string {
	return strings.TrimPrefix(path.Join(parentID, name)+"/", "/")
}

// FindChild checks for the folder marker under parentID. Keys are unique in
// an object store, so ambiguity cannot arise here.
func (s *Store) FindChild(ctx context.Context, parentID, name string) (string, error) {
	key := folderKey(parentID, name)
	_, err := s.core.Client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return "", nil
		}
		return "", classify(err, fmt.Sprintf("stat %s", key))
	}
	return key, nil
}

// CreateChild writes the folder marker object.
func (s *Store) CreateChild(ctx context.Context, parentID, name string) (string, error) {
	key := folderKey(parentID, name)
	_, err := s.core.Client.PutObject(ctx, s.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return "", classify(err, fmt.Sprintf("create folder %s", key))
	}
	return key, nil
}

// NewUpload starts a multipart upload; the session token carries the object
// key, upload id, and declared size.
func (s *Store) NewUpload(ctx context.Context, parentID, name string, size int64) (storage.UploadSession, error) {
	key := strings.TrimPrefix(path.Join(parentID, name), "/")
	uploadID, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return nil, classify(err, fmt.Sprintf("new multipart upload %s", key))
	}
	return &uploadSession{store: s, key: key, uploadID: uploadID, size: size}, nil
}

// ResumeUpload reopens a multipart upload by listing its acknowledged parts.
func (s *Store) ResumeUpload(ctx context.Context, token string) (storage.UploadSession, error) {
	key, uploadID, size, err := parseToken(token)
	if err != nil {
		return nil, err
	}
	sess := &uploadSession{store: s, key: key, uploadID: uploadID, size: size}

	result, err := s.core.ListObjectParts(ctx, s.bucket, key, uploadID, 0, 10000)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("list parts %s", key))
	}
	for _, p := range result.ObjectParts {
		sess.parts = append(sess.parts, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
		sess.offset += p.Size
	}
	return sess, nil
}

type uploadSession struct {
	store    *Store
	key      string
	uploadID string
	size     int64
	offset   int64
	parts    []minio.CompletePart
}

func (u *uploadSession) Token() string {
	return fmt.Sprintf("%s|%s|%d", u.key, u.uploadID, u.size)
}

func parseToken(token string) (key, uploadID string, size int64, err error) {
	parts := strings.Split(token, "|")
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("miniostore: malformed session token")
	}
	if _, err := fmt.Sscanf(parts[2], "%d", &size); err != nil {
		return "", "", 0, fmt.Errorf("miniostore: malformed session token: %w", err)
	}
	return parts[0], parts[1], size, nil
}

func (u *uploadSession) Offset() int64 { return u.offset }

// Put uploads one part. A failed part leaves the offset and part list
// unchanged, so retrying the same chunk is safe.
func (u *uploadSession) Put(ctx context.Context, chunk []byte) error {
	partNum := len(u.parts) + 1
	part, err := u.store.core.PutObjectPart(ctx, u.store.bucket, u.key, u.uploadID,
		partNum, bytes.NewReader(chunk), int64(len(chunk)), minio.PutObjectPartOptions{})
	if err != nil {
		return classify(err, fmt.Sprintf("put part %d of %s", partNum, u.key))
	}
	u.parts = append(u.parts, minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag})
	u.offset += int64(len(chunk))
	return nil
}

func (u *uploadSession) Complete(ctx context.Context) (string, error) {
	if u.offset != u.size {
		return "", fmt.Errorf("miniostore: upload incomplete: %d of %d bytes", u.offset, u.size)
	}
	_, err := u.store.core.CompleteMultipartUpload(ctx, u.store.bucket, u.key, u.uploadID, u.parts, minio.PutObjectOptions{})
	if err != nil {
		return "", classify(err, fmt.Sprintf("complete %s", u.key))
	}
	return u.key, nil
}

// classify maps a minio error onto the storage taxonomy.
func classify(err error, op string) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: miniostore %s: %v", storage.ErrAuthUnavailable, op, err)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: miniostore %s: %v", storage.ErrNotFound, op, err)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return storage.Transient(fmt.Errorf("miniostore %s: %w", op, err))
		default:
			return fmt.Errorf("miniostore %s: %w", op, err)
		}
	}
	return storage.Transient(fmt.Errorf("miniostore %s: %w", op, err))
}
