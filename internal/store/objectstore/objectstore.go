package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

// Config targets any S3-compatible endpoint (MinIO, R2, AWS).
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// PublicURL is the base under which objects are served, if any.
	PublicURL string
}

type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
	endpoint  string
	useSSL    bool
	http      *http.Client
}

// New connects and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(cctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(cctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		logger.Get().WithField("bucket", cfg.Bucket).Info("s3 bucket created")
	}

	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
		endpoint:  cfg.Endpoint,
		useSSL:    cfg.UseSSL,
		http:      &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// UploadFile stores a local file under key.
func (s *Store) UploadFile(ctx context.Context, localPath, key, contentType string) (string, error) {
	key = normalizeKey(key)
	if _, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.ObjectURL(key), nil
}

// PersistFromURL streams a remote object (e.g. a provider output, which
// expires) into the bucket.
func (s *Store) PersistFromURL(ctx context.Context, srcURL, key, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", srcURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); contentType == "" && ct != "" {
		contentType = ct
	}

	key = normalizeKey(key)
	// ContentLength is -1 when unknown; minio then streams in parts
	if _, err := s.client.PutObject(ctx, s.bucket, key, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	logger.FromContext(ctx).WithField("key", key).Debug("remote object persisted")
	return s.ObjectURL(key), nil
}

// ObjectURL is the public URL of key.
func (s *Store) ObjectURL(key string) string {
	key = normalizeKey(key)
	if s.publicURL != "" {
		return s.publicURL + "/" + key
	}
	scheme := "http"
	if s.useSSL {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: s.endpoint, Path: "/" + s.bucket + "/" + key}
	return u.String()
}

func normalizeKey(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	return strings.TrimPrefix(key, "/")
}
