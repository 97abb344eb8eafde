// Package objectstore holds control logs and control output artifacts in an
// S3-compatible store.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/scanplane-labs/scanplane-go/internal/platform/env"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketLogs    string
	BucketOutputs string
	UploadExpiry  time.Duration
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("OBJECTSTORE_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	uploadExpiry, err := env.Duration("OBJECTSTORE_UPLOAD_EXPIRY", 15*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("OBJECTSTORE_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("OBJECTSTORE_ACCESS_KEY", ""),
		SecretKey:     env.String("OBJECTSTORE_SECRET_KEY", ""),
		Region:        env.String("OBJECTSTORE_REGION", ""),
		UseSSL:        useSSL,
		BucketLogs:    env.String("OBJECTSTORE_BUCKET_LOGS", "control-logs"),
		BucketOutputs: env.String("OBJECTSTORE_BUCKET_OUTPUTS", "control-outputs"),
		UploadExpiry:  uploadExpiry,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("OBJECTSTORE_ENDPOINT is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("OBJECTSTORE_ACCESS_KEY is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("OBJECTSTORE_SECRET_KEY is required")
	}
	if strings.TrimSpace(c.BucketLogs) == "" {
		return errors.New("OBJECTSTORE_BUCKET_LOGS is required")
	}
	if strings.TrimSpace(c.BucketOutputs) == "" {
		return errors.New("OBJECTSTORE_BUCKET_OUTPUTS is required")
	}
	if c.UploadExpiry <= 0 {
		return errors.New("OBJECTSTORE_UPLOAD_EXPIRY must be positive")
	}
	return nil
}

func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func EnsureBuckets(ctx context.Context, client *minio.Client, cfg Config) error {
	if err := ensureBucket(ctx, client, cfg.BucketLogs, cfg.Region); err != nil {
		return fmt.Errorf("ensure logs bucket: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.BucketOutputs, cfg.Region); err != nil {
		return fmt.Errorf("ensure outputs bucket: %w", err)
	}
	return nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// Store is the archive surface used by the gateway and the GCP runner
// termination path.
type Store struct {
	client *minio.Client
	cfg    Config
}

func NewStore(client *minio.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{client: client, cfg: cfg}, nil
}

// LogKey derives the object key for an execution's control log.
func LogKey(tenantID, jitEventID, executionID string) string {
	return path.Join(tenantID, jitEventID, executionID, "control.log")
}

// OutputKey derives the object key for one uploaded control output file.
func OutputKey(tenantID, jitEventID, executionID, fileName string) string {
	return path.Join(tenantID, jitEventID, executionID, "outputs", path.Base(fileName))
}

// ArchiveLog writes a control log. Used by the log callback and by runner
// termination paths that drain vendor logs before deleting the job.
func (s *Store) ArchiveLog(ctx context.Context, tenantID, jitEventID, executionID string, log []byte) error {
	if s == nil || s.client == nil {
		return errors.New("store not initialized")
	}
	key := LogKey(tenantID, jitEventID, executionID)
	_, err := s.client.PutObject(
		ctx,
		s.cfg.BucketLogs,
		key,
		bytes.NewReader(log),
		int64(len(log)),
		minio.PutObjectOptions{ContentType: "text/plain"},
	)
	if err != nil {
		return fmt.Errorf("archive log %s: %w", key, err)
	}
	return nil
}

// PresignUpload returns a presigned PUT URL for one control output file.
func (s *Store) PresignUpload(ctx context.Context, tenantID, jitEventID, executionID, fileName string) (*url.URL, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("store not initialized")
	}
	key := OutputKey(tenantID, jitEventID, executionID, fileName)
	presigned, err := s.client.PresignedPutObject(ctx, s.cfg.BucketOutputs, key, s.cfg.UploadExpiry)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}
	return presigned, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
