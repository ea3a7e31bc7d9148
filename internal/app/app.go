// Package app wires the transfer stages together: listing the source into a
// manifest, copying every manifest entry, validating the destination, and
// writing the execution report.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"s3transfer/internal/checkpoint"
	"s3transfer/internal/config"
	"s3transfer/internal/copier"
	"s3transfer/internal/credentials"
	"s3transfer/internal/manifest"
	"s3transfer/internal/metrics"
	"s3transfer/internal/progress"
	"s3transfer/internal/report"
	"s3transfer/internal/retry"
	"s3transfer/internal/storage"
	"s3transfer/internal/transfererr"
	"s3transfer/internal/validate"
	"s3transfer/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	purposeList     = "ListObjects"
	purposeTransfer = "Transfer"
	purposeValidate = "Validate"

	transferDocument   = "transfer"
	validationDocument = "validation"
)

// ClientFactory builds a storage client bound to a temporary credential
type ClientFactory func(cred credentials.Credential) (storage.Client, error)

// Deps are the collaborators of an App
type Deps struct {
	Broker *credentials.Broker
	// Ambient serves the manifest bucket and any side without a role
	Ambient    storage.Client
	Clients    ClientFactory
	Checkpoint checkpoint.Store
	Metrics    *metrics.Collector
	Notifier   report.Notifier
	Retrier    *retry.Retrier
}

// App runs the stages of a transfer execution
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	broker     *credentials.Broker
	ambient    storage.Client
	clients    ClientFactory
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	retrier    *retry.Retrier
	documents  *manifest.Store
	reports    *report.Generator

	now func() time.Time
}

// New creates an app from the ambient AWS configuration
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	collector := metrics.New()
	retrier := retry.New(logger)
	retrier.OnRetry = func(op string, _ int, _ error) {
		collector.IncRetry(op)
	}

	ambient, err := storage.NewAmbientClient(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest client: %w", err)
	}

	var broker *credentials.Broker
	if cfg.Source.RoleARN != "" || cfg.Destination.RoleARN != "" {
		broker, err = credentials.NewDefaultBroker(ctx, cfg.Storage.Region, nil, retrier, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create credential broker: %w", err)
		}
	}

	checkpointStore, err := checkpoint.NewSQLiteStore(cfg.Transfer.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	// role credentials replace any static keys
	template := cfg.StorageConfig()
	template.AccessKey, template.SecretKey = "", ""

	return NewWithDeps(cfg, logger, Deps{
		Broker:  broker,
		Ambient: ambient,
		Clients: func(cred credentials.Credential) (storage.Client, error) {
			return credentials.BuildClient(template, cred, cfg.Storage.Region)
		},
		Checkpoint: checkpointStore,
		Metrics:    collector,
		Notifier:   report.LogNotifier{Logger: logger},
		Retrier:    retrier,
	}), nil
}

// NewWithDeps creates an app around explicit collaborators. Checkpoint,
// Metrics and Notifier may be nil.
func NewWithDeps(cfg *config.Config, logger *zap.Logger, deps Deps) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	retrier := deps.Retrier
	if retrier == nil {
		retrier = retry.New(logger)
	}
	if deps.Broker != nil {
		deps.Broker.Policy = cfg.CredentialPolicy()
	}

	documents := manifest.NewStore(deps.Ambient, cfg.ManifestBucket, cfg.Source.KMSKeyID)
	return &App{
		cfg:        cfg,
		logger:     logger,
		broker:     deps.Broker,
		ambient:    deps.Ambient,
		clients:    deps.Clients,
		checkpoint: deps.Checkpoint,
		metrics:    deps.Metrics,
		retrier:    retrier,
		documents:  documents,
		reports:    report.NewGenerator(documents, deps.Notifier, logger),
		now:        time.Now,
	}
}

// Metrics returns the metrics collector, if any
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// ServeMetrics serves /metrics on the configured address until ctx is done.
// It returns immediately when no address or collector is configured.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" || a.metrics == nil {
		return
	}
	go func() {
		if err := a.metrics.StartServer(ctx, a.cfg.MetricsAddr); err != nil {
			a.logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
}

// ListResult describes a written manifest
type ListResult struct {
	ExecutionID    string `json:"execution_id"`
	ManifestBucket string `json:"manifest_bucket"`
	ManifestKey    string `json:"manifest_key"`
	TotalObjects   int    `json:"total_objects"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
}

// List inventories the source prefix and writes the manifest. An empty
// executionID is replaced by a new UUID.
func (a *App) List(ctx context.Context, executionID string) (ListResult, error) {
	if executionID == "" {
		executionID = uuid.NewString()
	}
	logger := a.logger.With(zap.String("execution_id", executionID))
	logger.Info("Listing source objects",
		zap.String("source_bucket", a.cfg.Source.Bucket),
		zap.String("source_prefix", a.cfg.Source.Prefix),
	)

	client, err := a.client(ctx, a.cfg.Source.RoleARN, purposeList, executionID)
	if err != nil {
		return ListResult{}, err
	}

	entries, err := NewLister(client, logger).Inventory(ctx, a.cfg.Source.Bucket, a.cfg.Source.Prefix)
	if err != nil {
		return ListResult{}, err
	}

	m := manifest.New(executionID, a.route(), entries, a.now())
	key, err := a.documents.SaveManifest(ctx, m)
	if err != nil {
		return ListResult{}, err
	}
	logger.Info("Manifest written", zap.String("manifest_key", key))

	return ListResult{
		ExecutionID:    executionID,
		ManifestBucket: a.documents.Bucket(),
		ManifestKey:    key,
		TotalObjects:   m.TotalObjects,
		TotalSizeBytes: m.TotalSizeBytes,
	}, nil
}

// Transfer copies every entry of the manifest at manifestKey. Entries
// already completed for the same execution are skipped.
func (a *App) Transfer(ctx context.Context, manifestKey string) (worker.Summary, error) {
	m, err := a.documents.LoadManifest(ctx, manifestKey)
	if err != nil {
		return worker.Summary{}, err
	}
	logger := a.logger.With(zap.String("execution_id", m.ExecutionID))
	logger.Info("Starting transfer",
		zap.Int("total_objects", m.TotalObjects),
		zap.String("total_size", progress.FormatBytes(m.TotalSizeBytes)),
		zap.Int("workers", a.cfg.Transfer.Workers),
	)

	var reporter *progress.Reporter
	if a.metrics != nil {
		a.metrics.SetTotalCounts(int64(m.TotalObjects), m.TotalSizeBytes)
		reporter = progress.NewReporter(a.metrics.ProgressTracker(), a.cfg.Transfer.ProgressInterval, logger)
		reporter.Start()
	}

	processor := worker.NewProcessor(a.engineSource(m.ExecutionID), a.cfg.Destination.KMSKeyID, a.checkpoint, a.metrics, logger)
	summary, runErr := worker.NewPool(a.cfg.Transfer.Workers, processor, logger).Run(ctx, worker.TasksFromManifest(m))

	if reporter != nil {
		reporter.Stop()
	}
	a.saveDocument(ctx, m.ExecutionID, transferDocument, summary, logger)

	logger.Info("Transfer finished",
		zap.Int("copied", summary.Copied),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.String("bytes", progress.FormatBytes(summary.Bytes)),
	)
	return summary, runErr
}

// Validate certifies the destination against the manifest at manifestKey.
// A FAILED result is returned together with its validation error.
func (a *App) Validate(ctx context.Context, manifestKey string) (*validate.Result, error) {
	m, err := a.documents.LoadManifest(ctx, manifestKey)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(zap.String("execution_id", m.ExecutionID))

	client, err := a.client(ctx, a.cfg.Destination.RoleARN, purposeValidate, m.ExecutionID)
	if err != nil {
		return nil, err
	}

	sampler := validate.New(client, a.retrier, logger)
	sampler.Policy = a.cfg.RetryPolicy()
	if a.metrics != nil {
		sampler.OnSample = a.metrics.ObserveSample
	}

	result, err := sampler.Validate(ctx, validate.Request{
		Inventory:   m.Objects,
		Route:       m.Route(),
		SampleSize:  a.cfg.Validation.SampleSize,
		ExecutionID: m.ExecutionID,
	})
	if err != nil {
		return nil, err
	}
	result.ManifestBucket = a.documents.Bucket()
	result.ManifestKey = manifestKey

	a.saveDocument(ctx, m.ExecutionID, validationDocument, result, logger)
	return result, result.Err()
}

// Report writes the execution report for the manifest at manifestKey. Nil
// stage results are loaded from the documents earlier stages saved, when
// present.
func (a *App) Report(ctx context.Context, manifestKey string, summary *worker.Summary, validation *validate.Result) (report.Outcome, error) {
	m, err := a.documents.LoadManifest(ctx, manifestKey)
	if err != nil {
		return report.Outcome{}, err
	}
	logger := a.logger.With(zap.String("execution_id", m.ExecutionID))

	if summary == nil {
		var s worker.Summary
		if a.loadDocument(ctx, m.ExecutionID, transferDocument, &s, logger) {
			summary = &s
		}
	}
	if validation == nil {
		var v validate.Result
		if a.loadDocument(ctx, m.ExecutionID, validationDocument, &v, logger) {
			validation = &v
		}
	}

	return a.reports.Generate(ctx, report.Input{
		Manifest:    m,
		ManifestKey: manifestKey,
		Transfer:    summary,
		Validation:  validation,
	})
}

// RunResult collects the outputs of every stage of one execution
type RunResult struct {
	List       ListResult       `json:"list"`
	Transfer   *worker.Summary  `json:"transfer,omitempty"`
	Validation *validate.Result `json:"validation,omitempty"`
	Report     *report.Outcome  `json:"report,omitempty"`
}

// Run executes list, transfer, validate and report in sequence. A halted
// transfer stops the run; a failed validation is still reported and then
// returned.
func (a *App) Run(ctx context.Context, executionID string) (RunResult, error) {
	var result RunResult

	listed, err := a.List(ctx, executionID)
	if err != nil {
		return result, err
	}
	result.List = listed

	summary, err := a.Transfer(ctx, listed.ManifestKey)
	result.Transfer = &summary
	if err != nil {
		return result, err
	}

	validation, validationErr := a.Validate(ctx, listed.ManifestKey)
	if validation == nil {
		return result, validationErr
	}
	result.Validation = validation

	outcome, err := a.Report(ctx, listed.ManifestKey, &summary, validation)
	if err != nil {
		return result, errors.Join(validationErr, err)
	}
	result.Report = &outcome
	return result, validationErr
}

// Close releases the checkpoint store
func (a *App) Close() error {
	if a.checkpoint != nil {
		return a.checkpoint.Close()
	}
	return nil
}

func (a *App) route() manifest.Route {
	return manifest.Route{
		SourceBucket:      a.cfg.Source.Bucket,
		SourcePrefix:      a.cfg.Source.Prefix,
		DestinationBucket: a.cfg.Destination.Bucket,
		DestinationPrefix: a.cfg.Destination.Prefix,
	}
}

// credential acquires credentials for roleARN. An empty role yields the zero
// credential, which binds to the ambient client.
func (a *App) credential(ctx context.Context, roleARN, purpose, executionID string) (credentials.Credential, error) {
	if roleARN == "" {
		return credentials.Credential{}, nil
	}
	if a.broker == nil {
		return credentials.Credential{}, transfererr.New(transfererr.KindInvalidInput, "assume_role", "no credential broker configured")
	}
	return a.broker.Acquire(ctx, credentials.AcquireInput{
		RoleARN:     roleARN,
		SessionName: credentials.SessionName(purpose, executionID),
		ExternalID:  a.cfg.ExternalID,
		Duration:    a.cfg.Transfer.CredentialDuration,
	})
}

func (a *App) bind(cred credentials.Credential) (storage.Client, error) {
	if cred.AccessKeyID == "" {
		return a.ambient, nil
	}
	client, err := a.clients(cred)
	if err != nil {
		return nil, transfererr.Wrap(transfererr.KindInvalidInput, "build_client", err)
	}
	return client, nil
}

func (a *App) client(ctx context.Context, roleARN, purpose, executionID string) (storage.Client, error) {
	cred, err := a.credential(ctx, roleARN, purpose, executionID)
	if err != nil {
		return nil, err
	}
	return a.bind(cred)
}

// engineSource hands workers a copy engine for the destination role,
// rebuilding it whenever the broker returns a different credential.
func (a *App) engineSource(executionID string) worker.EngineSource {
	var (
		mu      sync.Mutex
		current string
		engine  *copier.Engine
	)

	return func(ctx context.Context) (*copier.Engine, error) {
		cred, err := a.credential(ctx, a.cfg.Destination.RoleARN, purposeTransfer, executionID)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		defer mu.Unlock()

		if engine != nil && cred.AccessKeyID == current {
			return engine, nil
		}
		client, err := a.bind(cred)
		if err != nil {
			return nil, err
		}
		engine, current = a.newEngine(client), cred.AccessKeyID
		return engine, nil
	}
}

func (a *App) newEngine(client storage.Client) *copier.Engine {
	engine := copier.New(client, a.cfg.CopyConfig(), a.retrier, a.logger)
	engine.Policy = a.cfg.RetryPolicy()
	if a.metrics != nil {
		engine.OnAbort = func(copier.Request, string, error) {
			a.metrics.IncAbort()
		}
	}
	return engine
}

func (a *App) saveDocument(ctx context.Context, executionID, name string, v any, logger *zap.Logger) {
	key := report.DocumentKey(executionID, name)
	if err := a.documents.PutJSON(context.WithoutCancel(ctx), key, v); err != nil {
		logger.Warn("Failed to save stage document", zap.String("key", key), zap.Error(err))
	}
}

func (a *App) loadDocument(ctx context.Context, executionID, name string, v any, logger *zap.Logger) bool {
	key := report.DocumentKey(executionID, name)
	if err := a.documents.GetJSON(ctx, key, v); err != nil {
		logger.Debug("Stage document unavailable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}
