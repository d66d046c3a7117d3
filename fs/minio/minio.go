package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/lakehouse"
)

// Constants for configuration and limits
const (
	DefaultRegion              = "us-east-1"
	DefaultS3Endpoint          = "s3.amazonaws.com"
	DefaultGCSEndpoint         = "storage.googleapis.com"
	DefaultMaxIdleConns        = 100
	DefaultMaxIdleConnsPerHost = 16
	DefaultConnectTimeout      = 30 * time.Second
	DefaultIdleTimeout         = 90 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	MaxObjectNameLength        = 1024
	MaxBucketNameLength        = 63
)

// Config holds connection settings for an S3-compatible endpoint.
type Config struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	Region          string `yaml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	SessionToken    string `yaml:"session_token" json:"-"`
	Secure          bool   `yaml:"secure" json:"secure"`
	PathStyle       bool   `yaml:"path_style" json:"path_style"`

	MaxIdleConns        int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout" json:"tls_handshake_timeout"`
	KeepAlive           time.Duration `yaml:"keep_alive" json:"keep_alive"`
}

// DefaultConfig returns settings for the public AWS endpoint.
func DefaultConfig() Config {
	return Config{
		Endpoint:            DefaultS3Endpoint,
		Region:              DefaultRegion,
		Secure:              true,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		ConnectTimeout:      DefaultConnectTimeout,
		IdleTimeout:         DefaultIdleTimeout,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		KeepAlive:           DefaultKeepAlive,
	}
}

// ConfigForScheme returns the default configuration for a location scheme.
// gs:// locations go through the GCS XML API, which speaks the S3 protocol
// when used with HMAC keys.
func ConfigForScheme(scheme string) Config {
	cfg := DefaultConfig()
	if scheme == lakehouse.SchemeGCS {
		cfg.Endpoint = DefaultGCSEndpoint
		cfg.Region = "auto"
	}
	return cfg
}

// normalize fills zero values and splits a URL endpoint into host and TLS flag.
func (c *Config) normalize() error {
	def := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	if strings.Contains(c.Endpoint, "://") {
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Host == "" {
			return &lakehouse.ValidationError{Field: "endpoint", Message: "invalid endpoint URL", Value: c.Endpoint}
		}
		c.Secure = u.Scheme == "https"
		c.Endpoint = u.Host
	}
	if c.Region == "" {
		c.Region = def.Region
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return &lakehouse.ValidationError{Field: "credentials", Message: "access key and secret key must be given together", Value: c.AccessKeyID}
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.TLSHandshakeTimeout <= 0 {
		c.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	return nil
}

// Gateway is a read-only fs.Gateway backed by minio-go.
type Gateway struct {
	client *minio.Client
	config Config
	logger zerolog.Logger
}

// NewGateway creates a gateway. Without static keys the standard AWS
// credential chain (environment, shared profile, instance role) is used.
func NewGateway(cfg Config, logger zerolog.Logger) (*Gateway, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
	}

	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentialsFor(cfg),
		Secure:       cfg.Secure,
		Region:       cfg.Region,
		Transport:    transport,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	logger.Debug().Str("endpoint", cfg.Endpoint).Str("region", cfg.Region).
		Bool("static_credentials", cfg.AccessKeyID != "").Msg("storage client ready")

	return &Gateway{client: client, config: cfg, logger: logger}, nil
}

func credentialsFor(cfg Config) *credentials.Credentials {
	if cfg.AccessKeyID != "" {
		return credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
	})
}

// List implements fs.Gateway. The continuation token is the last key of the
// previous page and is passed to the server as StartAfter.
func (g *Gateway) List(ctx context.Context, bucket, prefix, token string, maxKeys int) (fs.Page, error) {
	if err := validateBucketName(bucket); err != nil {
		return fs.Page{}, err
	}
	if maxKeys <= 0 {
		maxKeys = fs.DefaultPageSize
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := g.client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: token,
		MaxKeys:    maxKeys,
	})

	var page fs.Page
	for obj := range objects {
		if obj.Err != nil {
			return fs.Page{}, classify("list", prefix, obj.Err)
		}
		page.Objects = append(page.Objects, fs.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified.UTC(),
		})
		if len(page.Objects) == maxKeys {
			page.NextToken = obj.Key
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return fs.Page{}, classify("list", prefix, err)
	}
	return page, nil
}

// Get implements fs.Gateway.
func (g *Gateway) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validateObjectName(key); err != nil {
		return nil, err
	}

	obj, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("get", key, err)
	}
	return data, nil
}

// Stat implements fs.Gateway.
func (g *Gateway) Stat(ctx context.Context, bucket, key string) (fs.ObjectInfo, error) {
	if err := validateObjectName(key); err != nil {
		return fs.ObjectInfo{}, err
	}

	info, err := g.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return fs.ObjectInfo{}, classify("stat", key, err)
	}
	return fs.ObjectInfo{Key: info.Key, Size: info.Size, LastModified: info.LastModified.UTC()}, nil
}

// classify maps S3 error responses onto the engine's error kinds.
func classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) {
		return lakehouse.NewStorageError(op, key, lakehouse.ErrStorageAccess, err)
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return lakehouse.NewStorageError(op, key, lakehouse.ErrObjectNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken",
		"InvalidToken", "AuthorizationHeaderMalformed", "AllAccessDisabled":
		return lakehouse.NewStorageError(op, key, lakehouse.ErrAuthentication, err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return lakehouse.NewStorageError(op, key, lakehouse.ErrObjectNotFound, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return lakehouse.NewStorageError(op, key, lakehouse.ErrAuthentication, err)
	}

	// Throttling, 5xx responses and transport failures are transient.
	return lakehouse.NewStorageError(op, key, lakehouse.ErrStorageAccess, err)
}

func validateBucketName(bucket string) error {
	if bucket == "" {
		return &lakehouse.ValidationError{Field: "bucket", Message: "bucket name cannot be empty", Value: bucket}
	}
	if len(bucket) > MaxBucketNameLength {
		return &lakehouse.ValidationError{Field: "bucket", Message: fmt.Sprintf("bucket name too long (max %d)", MaxBucketNameLength), Value: bucket}
	}
	return nil
}

func validateObjectName(objectName string) error {
	if objectName == "" {
		return &lakehouse.ValidationError{Field: "object", Message: "object name cannot be empty", Value: objectName}
	}
	if len(objectName) > MaxObjectNameLength {
		return &lakehouse.ValidationError{Field: "object", Message: fmt.Sprintf("object name too long (max %d)", MaxObjectNameLength), Value: objectName}
	}
	return nil
}
