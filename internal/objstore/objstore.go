// Package objstore stores uploaded files in a MinIO bucket. Object
// names carry the org id and an upload timestamp so raw listings stay
// navigable.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lxplabs/ai-fabric/internal/logger"
)

// Config holds the MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Store wraps one bucket.
type Store struct {
	client *minio.Client
	bucket string
	logger *logger.Logger
}

// New connects to MinIO and ensures the bucket exists.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objstore: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objstore: create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info("created bucket", "bucket", cfg.Bucket)
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: log.WithComponent("objstore"),
	}, nil
}

// ObjectName builds the canonical upload path for a file.
func ObjectName(orgID, filename string) string {
	safe := path.Base(filename)
	if safe == "." || safe == "/" || safe == "" {
		safe = "upload.bin"
	}
	return fmt.Sprintf("uploads/%s/%d_%s", orgID, time.Now().UnixMilli(), safe)
}

// Put uploads a byte payload under the given object name.
func (s *Store) Put(ctx context.Context, objectName string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", objectName, err)
	}
	return nil
}

// Get downloads an object fully into memory. Uploaded documents are
// small; indexing reads them whole anyway.
func (s *Store) Get(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", objectName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", objectName, err)
	}
	return data, nil
}

// PresignGet returns a time-limited download URL for the object.
func (s *Store) PresignGet(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("objstore: presign %s: %w", objectName, err)
	}
	return u.String(), nil
}

// Remove deletes an object. Missing objects are not an error.
func (s *Store) Remove(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}
