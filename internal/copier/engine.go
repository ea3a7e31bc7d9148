// Package copier performs server-side object copies, switching to a
// multipart copy for large objects.
package copier

import (
	"context"
	"fmt"
	"time"

	"s3transfer/internal/retry"
	"s3transfer/internal/storage"
	"s3transfer/internal/transfererr"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxObjectSize is the largest object the service accepts (5 TiB)
	MaxObjectSize int64 = 5 << 40
	// MaxParts is the multipart upload part limit
	MaxParts = 10000

	DefaultMultipartThreshold int64 = 5 << 30
	DefaultPartSize           int64 = 100 << 20
	DefaultPartConcurrency          = 4

	abortTimeout = 30 * time.Second
)

// Method identifies the copy path taken
type Method string

const (
	MethodSingle    Method = "single"
	MethodMultipart Method = "multipart"
)

// Config tunes the copy decision and multipart fan-out
type Config struct {
	MultipartThreshold int64
	PartSize           int64
	PartConcurrency    int
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		MultipartThreshold: DefaultMultipartThreshold,
		PartSize:           DefaultPartSize,
		PartConcurrency:    DefaultPartConcurrency,
	}
}

// Request describes one object copy
type Request struct {
	SourceBucket string
	SourceKey    string
	DestBucket   string
	DestKey      string
	Size         int64
	KMSKeyID     string
}

// Receipt describes a finished copy
type Receipt struct {
	Method   Method
	ETag     string
	UploadID string
	Parts    int
	Bytes    int64
}

// Part is one inclusive byte range of a multipart copy
type Part struct {
	Number int
	Start  int64
	End    int64
}

// Engine copies objects with the destination-side client
type Engine struct {
	client  storage.Client
	retrier *retry.Retrier
	config  Config
	logger  *zap.Logger

	Policy retry.Policy
	// OnAbort is called after a multipart upload has been released following a failure
	OnAbort func(req Request, uploadID string, err error)
}

// New creates a copy engine. Zero config fields fall back to defaults.
func New(client storage.Client, config Config, retrier *retry.Retrier, logger *zap.Logger) *Engine {
	defaults := DefaultConfig()
	if config.MultipartThreshold <= 0 {
		config.MultipartThreshold = defaults.MultipartThreshold
	}
	if config.PartSize <= 0 {
		config.PartSize = defaults.PartSize
	}
	if config.PartConcurrency <= 0 {
		config.PartConcurrency = defaults.PartConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = retry.New(logger)
	}

	return &Engine{
		client:  client,
		retrier: retrier,
		config:  config,
		logger:  logger,
		Policy:  retry.DefaultPolicy(),
	}
}

// Config returns the effective engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// Copy transfers one object. Objects below the multipart threshold, and
// empty objects, are copied with a single call; larger ones are copied in
// parts and the upload is aborted if any step after creation fails.
func (e *Engine) Copy(ctx context.Context, req Request) (Receipt, error) {
	if req.Size < 0 {
		return Receipt{}, transfererr.New(transfererr.KindInvalidInput, "copy",
			fmt.Sprintf("object %s has negative size %d", req.SourceKey, req.Size)).WithDetail("key", req.SourceKey)
	}
	if req.Size > MaxObjectSize {
		return Receipt{}, transfererr.ObjectTooLarge(req.SourceKey, req.Size, MaxObjectSize)
	}

	if req.Size == 0 || req.Size < e.config.MultipartThreshold {
		return e.copySingle(ctx, req)
	}
	return e.copyMultipart(ctx, req)
}

func (e *Engine) copySingle(ctx context.Context, req Request) (Receipt, error) {
	etag, err := retry.Execute(ctx, e.retrier, e.Policy, "copy_object", func(ctx context.Context) (string, error) {
		etag, err := e.client.CopyObject(ctx, storage.CopyInput{
			SourceBucket: req.SourceBucket,
			SourceKey:    req.SourceKey,
			DestBucket:   req.DestBucket,
			DestKey:      req.DestKey,
			KMSKeyID:     req.KMSKeyID,
		})
		if err != nil {
			return "", classify(err, "copy_object", req)
		}
		return etag, nil
	})
	if err != nil {
		return Receipt{}, err
	}

	e.logger.Debug("Copied object",
		zap.String("source_key", req.SourceKey),
		zap.String("dest_key", req.DestKey),
		zap.Int64("size", req.Size),
	)
	return Receipt{Method: MethodSingle, ETag: etag, Bytes: req.Size}, nil
}

func (e *Engine) copyMultipart(ctx context.Context, req Request) (Receipt, error) {
	parts := PlanParts(req.Size, e.config.PartSize)
	if len(parts) > MaxParts {
		return Receipt{}, transfererr.New(transfererr.KindInvalidInput, "copy",
			fmt.Sprintf("object %s needs %d parts of %d bytes, limit is %d", req.SourceKey, len(parts), e.config.PartSize, MaxParts)).
			WithDetail("key", req.SourceKey).
			WithDetail("part_size", e.config.PartSize)
	}

	uploadID, err := retry.Execute(ctx, e.retrier, e.Policy, "create_multipart_upload", func(ctx context.Context) (string, error) {
		id, err := e.client.CreateMultipartUpload(ctx, req.DestBucket, req.DestKey, req.KMSKeyID)
		if err != nil {
			return "", classify(err, "create_multipart_upload", req)
		}
		return id, nil
	})
	if err != nil {
		return Receipt{}, err
	}

	logger := e.logger.With(
		zap.String("source_key", req.SourceKey),
		zap.String("dest_key", req.DestKey),
		zap.String("upload_id", uploadID),
	)
	logger.Info("Started multipart copy",
		zap.Int64("size", req.Size),
		zap.Int("parts", len(parts)),
	)

	etag, err := e.copyParts(ctx, req, uploadID, parts, logger)
	if err != nil {
		e.abort(ctx, req, uploadID, err, logger)
		return Receipt{}, err
	}

	logger.Info("Completed multipart copy", zap.Int("parts", len(parts)))
	return Receipt{
		Method:   MethodMultipart,
		ETag:     etag,
		UploadID: uploadID,
		Parts:    len(parts),
		Bytes:    req.Size,
	}, nil
}

// copyParts copies every part and completes the upload. Any error returned
// leaves the upload open for the caller to abort.
func (e *Engine) copyParts(ctx context.Context, req Request, uploadID string, parts []Part, logger *zap.Logger) (string, error) {
	completed := make([]storage.CompletedPart, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.PartConcurrency)

	for i, part := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return transfererr.Classify(err, "upload_part_copy")
			}

			etag, err := retry.Execute(gctx, e.retrier, e.Policy, "upload_part_copy", func(ctx context.Context) (string, error) {
				etag, err := e.client.UploadPartCopy(ctx, storage.PartCopyInput{
					SourceBucket: req.SourceBucket,
					SourceKey:    req.SourceKey,
					DestBucket:   req.DestBucket,
					DestKey:      req.DestKey,
					UploadID:     uploadID,
					PartNumber:   part.Number,
					Start:        part.Start,
					End:          part.End,
				})
				if err != nil {
					return "", classify(err, "upload_part_copy", req).WithDetail("part_number", part.Number)
				}
				return etag, nil
			})
			if err != nil {
				return err
			}

			completed[i] = storage.CompletedPart{PartNumber: part.Number, ETag: etag}
			logger.Debug("Copied part",
				zap.Int("part_number", part.Number),
				zap.Int("parts", len(parts)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	// completed is indexed by plan order, which is ascending part number
	return retry.Execute(ctx, e.retrier, e.Policy, "complete_multipart_upload", func(ctx context.Context) (string, error) {
		etag, err := e.client.CompleteMultipartUpload(ctx, req.DestBucket, req.DestKey, uploadID, completed)
		if err != nil {
			return "", classify(err, "complete_multipart_upload", req)
		}
		return etag, nil
	})
}

// abort releases a failed upload. Failures are logged and never replace cause.
func (e *Engine) abort(ctx context.Context, req Request, uploadID string, cause error, logger *zap.Logger) {
	logger.Warn("Aborting multipart upload", zap.Error(cause))

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	err := e.client.AbortMultipartUpload(abortCtx, req.DestBucket, req.DestKey, uploadID)
	if err != nil {
		logger.Error("Failed to abort multipart upload", zap.Error(err))
	}
	if e.OnAbort != nil {
		e.OnAbort(req, uploadID, err)
	}
}

// PlanParts splits [0, size) into consecutive inclusive ranges of at most
// partSize bytes, numbered from 1.
func PlanParts(size, partSize int64) []Part {
	if size <= 0 || partSize <= 0 {
		return nil
	}

	count := (size + partSize - 1) / partSize
	parts := make([]Part, 0, count)
	for n := int64(1); n <= count; n++ {
		start := (n - 1) * partSize
		end := min(n*partSize, size) - 1
		parts = append(parts, Part{Number: int(n), Start: start, End: end})
	}
	return parts
}

func classify(err error, op string, req Request) *transfererr.Error {
	return transfererr.Classify(err, op).
		WithDetail("source_key", req.SourceKey).
		WithDetail("dest_key", req.DestKey)
}
