package minio

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Embedded server credentials.
const (
	EmbeddedAccessKey = "drainage"
	EmbeddedSecretKey = "drainage-secret"
)

// EmbeddedServer is an in-process S3 endpoint backed by memory. It is used to
// exercise the network gateway end to end without external services.
type EmbeddedServer struct {
	server   *httptest.Server
	backend  *s3mem.Backend
	client   *minio.Client
	endpoint string
}

// StartEmbeddedServer starts a fake S3 server on a loopback port.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	server := httptest.NewServer(faker.Server())
	endpoint := strings.TrimPrefix(server.URL, "http://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(EmbeddedAccessKey, EmbeddedSecretKey, ""),
		Secure:       false,
		Region:       DefaultRegion,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to create embedded client: %w", err)
	}

	return &EmbeddedServer{server: server, backend: backend, client: client, endpoint: endpoint}, nil
}

// Config returns gateway settings that point at the embedded server.
func (e *EmbeddedServer) Config() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = e.endpoint
	cfg.Secure = false
	cfg.PathStyle = true
	cfg.AccessKeyID = EmbeddedAccessKey
	cfg.SecretAccessKey = EmbeddedSecretKey
	return cfg
}

// CreateBucket creates a bucket on the embedded server.
func (e *EmbeddedServer) CreateBucket(ctx context.Context, bucket string) error {
	if err := e.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: DefaultRegion}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// PutObject uploads data under bucket/key.
func (e *EmbeddedServer) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := e.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Close stops the server.
func (e *EmbeddedServer) Close() {
	e.server.Close()
}
