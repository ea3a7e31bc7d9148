package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the AWS S3 client used by AWSClient
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// AWSClient implements the Client interface using aws-sdk-go-v2
type AWSClient struct {
	api S3API
}

// NewAWSClient creates an S3 client bound to the static credentials in cfg
func NewAWSClient(cfg Config) (*AWSClient, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required for the aws backend")
	}

	awsCfg := aws.Config{
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &AWSClient{api: client}, nil
}

// NewDefaultAWSClient creates an S3 client from the ambient AWS configuration
// (environment, shared config files, instance role). Static keys in cfg take
// precedence when set.
func NewDefaultAWSClient(ctx context.Context, cfg Config) (*AWSClient, error) {
	if cfg.AccessKey != "" {
		return NewAWSClient(cfg)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &AWSClient{api: client}, nil
}

// NewAWSClientFromAPI wraps an existing S3 API implementation
func NewAWSClientFromAPI(api S3API) *AWSClient {
	return &AWSClient{api: api}
}

// HeadObject gets object metadata
func (c *AWSClient) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// GetObject retrieves an object body
func (c *AWSClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// PutObject uploads an object
func (c *AWSClient) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, opts PutOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.KMSKeyID != "" {
		input.ServerSideEncryption = awstypes.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(opts.KMSKeyID)
	}

	_, err := c.api.PutObject(ctx, input)
	return err
}

// CopyObject performs a single server-side copy
func (c *AWSClient) CopyObject(ctx context.Context, in CopyInput) (string, error) {
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(in.DestBucket),
		Key:        aws.String(in.DestKey),
		CopySource: aws.String(copySource(in.SourceBucket, in.SourceKey)),
	}
	if in.KMSKeyID != "" {
		input.ServerSideEncryption = awstypes.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(in.KMSKeyID)
	}

	out, err := c.api.CopyObject(ctx, input)
	if err != nil {
		return "", err
	}
	if out.CopyObjectResult == nil {
		return "", nil
	}
	return aws.ToString(out.CopyObjectResult.ETag), nil
}

// ListPages walks every page of a ListObjectsV2 listing
func (c *AWSClient) ListPages(ctx context.Context, bucket, prefix string, fn func(Page) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}

		page := Page{
			Objects:  make([]ObjectInfo, 0, len(out.Contents)),
			KeyCount: int64(aws.ToInt32(out.KeyCount)),
		}
		for _, obj := range out.Contents {
			page.Objects = append(page.Objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if out.KeyCount == nil {
			page.KeyCount = int64(len(page.Objects))
		}

		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

// CreateMultipartUpload initiates a multipart upload
func (c *AWSClient) CreateMultipartUpload(ctx context.Context, bucket, key, kmsKeyID string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if kmsKeyID != "" {
		input.ServerSideEncryption = awstypes.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(kmsKeyID)
	}

	out, err := c.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPartCopy copies a byte range of the source into one part
func (c *AWSClient) UploadPartCopy(ctx context.Context, in PartCopyInput) (string, error) {
	out, err := c.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
		Bucket:          aws.String(in.DestBucket),
		Key:             aws.String(in.DestKey),
		UploadId:        aws.String(in.UploadID),
		PartNumber:      aws.Int32(int32(in.PartNumber)),
		CopySource:      aws.String(copySource(in.SourceBucket, in.SourceKey)),
		CopySourceRange: aws.String(in.Range()),
	})
	if err != nil {
		return "", err
	}
	if out.CopyPartResult == nil {
		return "", fmt.Errorf("part %d: empty copy result", in.PartNumber)
	}
	return aws.ToString(out.CopyPartResult.ETag), nil
}

// CompleteMultipartUpload completes a multipart upload with parts in the given order
func (c *AWSClient) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, error) {
	completed := make([]awstypes.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = awstypes.CompletedPart{
			PartNumber: aws.Int32(int32(part.PartNumber)),
			ETag:       aws.String(part.ETag),
		}
	}

	out, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &awstypes.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// AbortMultipartUpload aborts a multipart upload
func (c *AWSClient) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

// copySource renders the URL-encoded bucket/key pair expected by copy calls
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
