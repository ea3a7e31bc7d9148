package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
)

// minioPageSize matches the S3 ListObjectsV2 default page size
const minioPageSize = 1000

// MinIOClient implements the Client interface using minio-go for
// S3-compatible endpoints
type MinIOClient struct {
	client *minio.Client
	core   *minio.Core
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client, core: &minio.Core{Client: client}}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

func kmsEncryption(kmsKeyID string) (encrypt.ServerSide, error) {
	if kmsKeyID == "" {
		return nil, nil
	}
	return encrypt.NewSSEKMS(kmsKeyID, nil)
}

// HeadObject gets object metadata
func (c *MinIOClient) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// GetObject retrieves an object body
func (c *MinIOClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
}

// PutObject uploads an object
func (c *MinIOClient) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, opts PutOptions) error {
	sse, err := kmsEncryption(opts.KMSKeyID)
	if err != nil {
		return err
	}

	_, err = c.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{
		ContentType:          opts.ContentType,
		ServerSideEncryption: sse,
	})
	return err
}

// CopyObject performs a single server-side copy
func (c *MinIOClient) CopyObject(ctx context.Context, in CopyInput) (string, error) {
	sse, err := kmsEncryption(in.KMSKeyID)
	if err != nil {
		return "", err
	}

	info, err := c.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: in.DestBucket, Object: in.DestKey, Encryption: sse},
		minio.CopySrcOptions{Bucket: in.SourceBucket, Object: in.SourceKey},
	)
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

// ListPages lists objects with prefix, grouped into pages of up to 1000 keys
func (c *MinIOClient) ListPages(ctx context.Context, bucket, prefix string, fn func(Page) error) error {
	page := Page{Objects: make([]ObjectInfo, 0, minioPageSize)}

	flush := func() error {
		if len(page.Objects) == 0 {
			return nil
		}
		page.KeyCount = int64(len(page.Objects))
		if err := fn(page); err != nil {
			return err
		}
		page = Page{Objects: make([]ObjectInfo, 0, minioPageSize)}
		return nil
	}

	for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}

		page.Objects = append(page.Objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
		if len(page.Objects) == minioPageSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return flush()
}

// CreateMultipartUpload initiates a multipart upload
func (c *MinIOClient) CreateMultipartUpload(ctx context.Context, bucket, key, kmsKeyID string) (string, error) {
	sse, err := kmsEncryption(kmsKeyID)
	if err != nil {
		return "", err
	}

	return c.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{
		ServerSideEncryption: sse,
	})
}

// UploadPartCopy copies a byte range of the source into one part
func (c *MinIOClient) UploadPartCopy(ctx context.Context, in PartCopyInput) (string, error) {
	part, err := c.core.CopyObjectPart(ctx,
		in.SourceBucket, in.SourceKey,
		in.DestBucket, in.DestKey,
		in.UploadID, in.PartNumber,
		in.Start, in.End-in.Start+1,
		nil,
	)
	if err != nil {
		return "", err
	}
	return part.ETag, nil
}

// CompleteMultipartUpload completes a multipart upload
func (c *MinIOClient) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, error) {
	minioParts := make([]minio.CompletePart, len(parts))
	for i, part := range parts {
		minioParts[i] = minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		}
	}

	info, err := c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, minioParts, minio.PutObjectOptions{})
	if err != nil {
		return "", err
	}
	return info.ETag, nil
}

// AbortMultipartUpload aborts a multipart upload
func (c *MinIOClient) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return c.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}
