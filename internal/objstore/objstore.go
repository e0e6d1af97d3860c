// Package objstore provides object-store access for the pipeline.
//
// The store is any S3-compatible endpoint. Fetch verifies the object's etag
// against the one recorded at match time so a stage never operates on a file
// that changed after it was matched.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/climb-tre/conduit/internal/config"
)

// Sentinel errors for object-store operations.
var (
	// ErrEndpointEmpty is returned when no object-store endpoint has been configured.
	ErrEndpointEmpty = errors.New("object store endpoint cannot be empty")

	// ErrEtagMismatch is returned when an object's etag no longer matches the
	// etag recorded at match time.
	ErrEtagMismatch = errors.New("object etag does not match recorded etag")

	// ErrObjectMissing is returned when the store answered that the bucket or
	// key does not exist. Other fetch failures mean the store did not answer
	// and the operation is worth retrying.
	ErrObjectMissing = errors.New("object does not exist in the store")

	// ErrInvalidURI is returned when an object URI is not of the form s3://bucket/key.
	ErrInvalidURI = errors.New("invalid object URI")
)

// PresignTTL is how long generated download links stay valid.
const PresignTTL = 24 * time.Hour

// Config holds object-store connection configuration.
type Config struct {
	Endpoint  string
	accessKey string
	secretKey string
	UseSSL    bool
}

// LoadConfig loads object-store configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Endpoint:  config.GetEnvStr("OBJSTORE_ENDPOINT", ""),
		accessKey: config.GetEnvStr("OBJSTORE_ACCESS_KEY", ""),
		secretKey: config.GetEnvStr("OBJSTORE_SECRET_KEY", ""),
		UseSSL:    config.GetEnvBool("OBJSTORE_USE_SSL", true),
	}
}

// Validate checks if the object-store configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointEmpty
	}

	return nil
}

// ObjectInfo is a single listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	Etag         string
	LastModified time.Time
}

// Store is the object-store surface the pipeline stages depend on.
type Store interface {
	Fetch(ctx context.Context, uri, etag string) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, body []byte) (string, error)
	PresignGet(ctx context.Context, bucket, key string) (string, error)
	List(ctx context.Context, bucket string) ([]ObjectInfo, error)
}

// Client is the minio-backed Store implementation.
type Client struct {
	mc *minio.Client
}

// Compile-time interface compliance check.
var _ Store = (*Client)(nil)

// New creates an object-store client from configuration.
func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &Client{mc: mc}, nil
}

// ParseURI splits an s3://bucket/key URI into its bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	return bucket, key, nil
}

// Fetch downloads the object at uri and verifies its etag against the one
// recorded when the object was matched. A mismatch means the object was
// re-uploaded after matching and the message in hand is stale.
func (c *Client) Fetch(ctx context.Context, uri, etag string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fetchError(uri, err)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, fetchError(uri, err)
	}

	if normalizeEtag(stat.ETag) != normalizeEtag(etag) {
		return nil, fmt.Errorf("%w: %s", ErrEtagMismatch, uri)
	}

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}

	return body, nil
}

// Upload stores body at bucket/key and returns the resulting s3:// URI.
func (c *Client) Upload(ctx context.Context, bucket, key string, body []byte) (string, error) {
	reader := bytes.NewReader(body)

	_, err := c.mc.PutObject(ctx, bucket, key, reader, int64(len(body)), minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, key, err)
	}

	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}

// PresignGet returns a time-limited download URL for the object.
func (c *Client) PresignGet(ctx context.Context, bucket, key string) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, bucket, key, PresignTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign s3://%s/%s: %w", bucket, key, err)
	}

	return u.String(), nil
}

// List enumerates every object in the bucket. Used by the backfill scanner
// to recover from dropped bucket notifications.
func (c *Client) List(ctx context.Context, bucket string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", bucket, obj.Err)
		}

		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			Etag:         normalizeEtag(obj.ETag),
			LastModified: obj.LastModified,
		})
	}

	return objects, nil
}

// normalizeEtag strips the surrounding quotes some S3 implementations keep on
// etag values so comparisons are quote-insensitive.
func normalizeEtag(etag string) string {
	return strings.Trim(etag, `"`)
}

// fetchError wraps a store error, marking a definitive missing-object answer
// with ErrObjectMissing so callers can tell it from a store outage.
func fetchError(uri string, err error) error {
	if isMissing(err) {
		return fmt.Errorf("%w: %s", ErrObjectMissing, uri)
	}

	return fmt.Errorf("failed to fetch %s: %w", uri, err)
}

// isMissing reports whether the store responded that the bucket or key does
// not exist.
func isMissing(err error) bool {
	resp := minio.ToErrorResponse(err)

	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
