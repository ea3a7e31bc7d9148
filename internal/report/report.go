// Package report writes the execution summary document and notifies
// interested parties about the outcome.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"s3transfer/internal/manifest"
	"s3transfer/internal/transfererr"
	"s3transfer/internal/validate"
	"s3transfer/internal/worker"

	"go.uber.org/zap"
)

// StatusUnknown is reported when no validation result is available
const StatusUnknown = "UNKNOWN"

// Report is the execution summary document
type Report struct {
	ExecutionID       string           `json:"execution_id"`
	Timestamp         time.Time        `json:"timestamp"`
	Status            string           `json:"status"`
	SourceBucket      string           `json:"source_bucket"`
	SourcePrefix      string           `json:"source_prefix"`
	DestinationBucket string           `json:"destination_bucket"`
	DestinationPrefix string           `json:"destination_prefix"`
	TotalObjects      int              `json:"total_objects"`
	TotalSizeBytes    int64            `json:"total_size_bytes"`
	Transfer          *worker.Summary  `json:"transfer,omitempty"`
	Validation        *validate.Result `json:"validation,omitempty"`
	ManifestLocation  string           `json:"manifest_location"`
}

// Input gathers what the report is built from. Transfer and Validation may be nil.
type Input struct {
	Manifest    *manifest.Manifest
	ManifestKey string
	Transfer    *worker.Summary
	Validation  *validate.Result
}

// Outcome describes the written report
type Outcome struct {
	ExecutionID      string `json:"execution_id"`
	ReportBucket     string `json:"report_bucket"`
	ReportKey        string `json:"report_key"`
	Status           string `json:"status"`
	NotificationSent bool   `json:"notification_sent"`
}

// Key returns the document key of the report for an execution
func Key(executionID string) string {
	return DocumentKey(executionID, "report")
}

// DocumentKey returns the key of a named per-execution document stored
// alongside the report
func DocumentKey(executionID, name string) string {
	return fmt.Sprintf("reports/%s/%s.json", executionID, name)
}

// Notification is the short summary handed to a Notifier
type Notification struct {
	Subject        string `json:"-"`
	ExecutionID    string `json:"execution_id"`
	Status         string `json:"status"`
	TotalObjects   int    `json:"total_objects"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	ReportLocation string `json:"report_location"`
}

// Notifier delivers a notification about a finished execution
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify implements Notifier
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info(n.Subject,
		zap.String("execution_id", n.ExecutionID),
		zap.String("status", n.Status),
		zap.Int("total_objects", n.TotalObjects),
		zap.Int64("total_size_bytes", n.TotalSizeBytes),
		zap.String("source", n.Source),
		zap.String("destination", n.Destination),
		zap.String("report_location", n.ReportLocation),
	)
	return nil
}

// Generator builds, stores and announces execution reports
type Generator struct {
	store    *manifest.Store
	notifier Notifier
	logger   *zap.Logger

	Now func() time.Time
}

// NewGenerator creates a report generator. A nil notifier disables notifications.
func NewGenerator(store *manifest.Store, notifier Notifier, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		store:    store,
		notifier: notifier,
		logger:   logger,
		Now:      time.Now,
	}
}

// Build assembles the report document without writing it
func (g *Generator) Build(in Input) *Report {
	m := in.Manifest
	r := &Report{
		ExecutionID:       m.ExecutionID,
		Timestamp:         g.Now().UTC(),
		Status:            StatusUnknown,
		SourceBucket:      m.SourceBucket,
		SourcePrefix:      m.SourcePrefix,
		DestinationBucket: m.DestinationBucket,
		DestinationPrefix: m.DestinationPrefix,
		TotalObjects:      m.TotalObjects,
		TotalSizeBytes:    m.TotalSizeBytes,
		Transfer:          in.Transfer,
		Validation:        in.Validation,
		ManifestLocation:  manifest.Location(g.store.Bucket(), in.ManifestKey),
	}
	if in.Validation != nil {
		r.Status = string(in.Validation.Status)
	}
	return r
}

// Generate writes the report and sends the notification. A write failure is
// returned; a notification failure is only logged.
func (g *Generator) Generate(ctx context.Context, in Input) (Outcome, error) {
	if in.Manifest == nil {
		return Outcome{}, transfererr.New(transfererr.KindInvalidInput, "generate_report", "manifest is required")
	}

	r := g.Build(in)
	key := Key(r.ExecutionID)
	logger := g.logger.With(zap.String("execution_id", r.ExecutionID))

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return Outcome{}, transfererr.Wrap(transfererr.KindManifest, "report_encode", err)
	}
	if err := g.store.Put(ctx, key, data, "application/json"); err != nil {
		return Outcome{}, err
	}
	logger.Info("Report written", zap.String("report_key", key))

	out := Outcome{
		ExecutionID:  r.ExecutionID,
		ReportBucket: g.store.Bucket(),
		ReportKey:    key,
		Status:       r.Status,
	}

	if g.notifier == nil {
		return out, nil
	}
	if err := g.notifier.Notify(ctx, notification(r, manifest.Location(g.store.Bucket(), key))); err != nil {
		logger.Warn("Failed to send notification", zap.Error(err))
		return out, nil
	}
	out.NotificationSent = true
	return out, nil
}

func notification(r *Report, location string) Notification {
	id := r.ExecutionID
	if len(id) > 8 {
		id = id[:8]
	}
	subject := fmt.Sprintf("S3 Transfer %s: %s", r.Status, id)
	if len(subject) > 100 {
		subject = subject[:100]
	}
	return Notification{
		Subject:        subject,
		ExecutionID:    r.ExecutionID,
		Status:         r.Status,
		TotalObjects:   r.TotalObjects,
		TotalSizeBytes: r.TotalSizeBytes,
		Source:         manifest.Location(r.SourceBucket, r.SourcePrefix),
		Destination:    manifest.Location(r.DestinationBucket, r.DestinationPrefix),
		ReportLocation: location,
	}
}
