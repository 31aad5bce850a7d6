// Package blob archives uploaded pitch attachments to object storage so
// an analysis can be audited later. Archival is best effort and never
// blocks or fails a request.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cassandra/api/internal/util"
)

// Store writes attachments to a MinIO (S3-compatible) bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to MinIO and ensures the bucket exists.
func NewStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Store{client: client, bucket: bucket}, nil
}

// Put stores one attachment and returns its object key.
func (s *Store) Put(ctx context.Context, nodeID, fileName string, content []byte) (string, error) {
	key := fmt.Sprintf("attachments/%s/%s/%s", nodeID, util.NewID(""), fileName)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("put attachment %s: %w", key, err)
	}
	return key, nil
}

// Archive stores an attachment in the background. Failures are logged, not
// surfaced; the analysis has already consumed the bytes it needs.
func (s *Store) Archive(nodeID, fileName string, content []byte) {
	if s == nil || len(content) == 0 {
		return
	}
	buf := make([]byte, len(content))
	copy(buf, content)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.Put(ctx, nodeID, fileName, buf); err != nil {
			log.Printf("blob: archive attachment for node %s: %v", nodeID, err)
		}
	}()
}
