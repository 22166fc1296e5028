package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ManuscriptSource provides the extracted manuscript text the pipeline
// feeds to models. Upload and text extraction happen upstream; the review
// service only reads the stored result.
type ManuscriptSource interface {
	FetchText(ctx context.Context, key string) (string, error)
}

// MinioSource implements ManuscriptSource for MinIO/S3 compatible storage.
type MinioSource struct {
	client *minio.Client
	bucket string
}

// NewMinioSource connects to MinIO and verifies the bucket exists.
func NewMinioSource(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioSource, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("manuscript bucket %q does not exist", bucket)
	}
	return &MinioSource{client: client, bucket: bucket}, nil
}

// FetchText downloads the extracted text object for a manuscript.
func (m *MinioSource) FetchText(ctx context.Context, key string) (string, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("get manuscript object: %w", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("read manuscript object: %w", err)
	}
	return string(data), nil
}

// MapSource is an in-memory ManuscriptSource for tests and local runs.
type MapSource struct {
	mu    sync.RWMutex
	texts map[string]string
}

// NewMapSource initializes an empty in-memory source.
func NewMapSource() *MapSource {
	return &MapSource{texts: make(map[string]string)}
}

// Put stores manuscript text under a key.
func (m *MapSource) Put(key, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[key] = text
}

// FetchText returns the stored text for a key.
func (m *MapSource) FetchText(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.texts[key]
	if !ok {
		return "", fmt.Errorf("manuscript %q not found", key)
	}
	return text, nil
}
