// Package objstore wraps the S3-compatible object store holding
// uploaded documents.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotFound = errors.New("object not found")

// ObjectInfo is the subset of stored-object state the lifecycle needs:
// the store's own view of the content type, not the client's claim.
type ObjectInfo struct {
	Path        string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

type Client struct {
	mc     *minio.Client
	bucket string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func New(opts Options) (*Client, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Client{mc: mc, bucket: opts.Bucket}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// Stat returns the stored object's info or ErrNotFound.
func (c *Client) Stat(ctx context.Context, path string) (ObjectInfo, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return ObjectInfo{
		Path:        path,
		Size:        info.Size,
		ContentType: info.ContentType,
		Metadata:    info.UserMetadata,
	}, nil
}

// SetMetadata replaces the object's user metadata in place via a
// server-side self-copy.
func (c *Client) SetMetadata(ctx context.Context, path string, metadata map[string]string) error {
	src := minio.CopySrcOptions{Bucket: c.bucket, Object: path}
	dst := minio.CopyDestOptions{
		Bucket:          c.bucket,
		Object:          path,
		UserMetadata:    metadata,
		ReplaceMetadata: true,
	}
	if _, err := c.mc.CopyObject(ctx, dst, src); err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set metadata %s: %w", path, err)
	}
	return nil
}

// SignedReadURL issues a time-limited GET URL for the object.
func (c *Client) SignedReadURL(ctx context.Context, path string, expiry time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, path, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", path, err)
	}
	return u.String(), nil
}

// Download returns the raw object bytes.
func (c *Client) Download(ctx context.Context, path string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == 404
	}
	return false
}
