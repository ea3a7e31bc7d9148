package app

import (
	"context"
	"fmt"

	"s3transfer/internal/manifest"
	"s3transfer/internal/storage"
	"s3transfer/internal/transfererr"

	"go.uber.org/zap"
)

// Lister builds the inventory of a source prefix
type Lister struct {
	client storage.Client
	logger *zap.Logger
}

// NewLister creates a lister over the source-side client
func NewLister(client storage.Client, logger *zap.Logger) *Lister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lister{client: client, logger: logger}
}

// Inventory lists every object under prefix in listing order. A listing
// that cannot complete is never retried and leaves nothing to transfer.
func (l *Lister) Inventory(ctx context.Context, bucket, prefix string) ([]manifest.Entry, error) {
	var (
		entries   []manifest.Entry
		totalSize int64
		pages     int
	)

	err := l.client.ListPages(ctx, bucket, prefix, func(page storage.Page) error {
		pages++
		for _, obj := range page.Objects {
			entries = append(entries, manifest.Entry{
				Key:  obj.Key,
				Size: obj.Size,
				ETag: obj.ETag,
			})
			totalSize += obj.Size
		}
		l.logger.Debug("Listed page",
			zap.Int("page", pages),
			zap.Int("objects", len(page.Objects)),
		)
		return nil
	})
	if err != nil {
		return nil, listFailure(err, bucket, prefix)
	}

	l.logger.Info("Object listing complete",
		zap.String("bucket", bucket),
		zap.String("prefix", prefix),
		zap.Int("total_objects", len(entries)),
		zap.Int64("total_size_bytes", totalSize),
	)
	if len(entries) == 0 {
		l.logger.Warn("No objects found to transfer",
			zap.String("bucket", bucket),
			zap.String("prefix", prefix),
		)
	}
	return entries, nil
}

func listFailure(err error, bucket, prefix string) error {
	classified := transfererr.Classify(err, "list_objects")
	e := &transfererr.Error{
		Kind: classified.Kind,
		Op:   classified.Op,
		Code: classified.Code,
		Err:  err,
	}
	if e.Kind.Retryable() {
		e.Kind = transfererr.KindManifest
	}
	e.Message = fmt.Sprintf("failed to list objects in %s: %v", manifest.Location(bucket, prefix), err)
	return e.WithDetail("bucket", bucket).WithDetail("prefix", prefix)
}
