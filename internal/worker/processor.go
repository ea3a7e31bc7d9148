package worker

import (
	"context"
	"time"

	"s3transfer/internal/checkpoint"
	"s3transfer/internal/copier"
	"s3transfer/internal/metrics"
	"s3transfer/internal/transfererr"

	"go.uber.org/zap"
)

// EngineSource returns a copy engine bound to currently valid destination
// credentials
type EngineSource func(ctx context.Context) (*copier.Engine, error)

// StaticEngine always returns engine
func StaticEngine(engine *copier.Engine) EngineSource {
	return func(context.Context) (*copier.Engine, error) {
		return engine, nil
	}
}

// Processor handles individual task processing
type Processor struct {
	engines    EngineSource
	kmsKeyID   string
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewProcessor creates a processor. checkpointStore and collector may be nil.
func NewProcessor(engines EngineSource, kmsKeyID string, checkpointStore checkpoint.Store, collector *metrics.Collector, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		engines:    engines,
		kmsKeyID:   kmsKeyID,
		checkpoint: checkpointStore,
		metrics:    collector,
		logger:     logger,
	}
}

// Process runs one task to completion. Tasks already completed for the same
// execution are skipped.
func (p *Processor) Process(ctx context.Context, task Task) Result {
	logger := p.logger.With(
		zap.String("execution_id", task.ExecutionID),
		zap.String("source_key", task.SourceKey),
		zap.String("dest_key", task.DestKey),
	)

	record := p.lookup(ctx, task, logger)
	if record != nil && record.Status == checkpoint.StatusCompleted {
		logger.Debug("Skipping completed task")
		if p.metrics != nil {
			p.metrics.IncSkipped(task.Size)
		}
		return Result{Task: task, Outcome: OutcomeSkipped}
	}

	attempts := 1
	if record != nil {
		attempts = record.Attempts + 1
	}
	p.save(ctx, task, checkpoint.StatusInProgress, attempts, nil, logger)

	if p.metrics != nil {
		p.metrics.AddInflight(1)
		defer p.metrics.AddInflight(-1)
	}

	startTime := time.Now()
	receipt, err := p.copy(ctx, task)
	if err != nil {
		if transfererr.Is(err, transfererr.KindCanceled) {
			logger.Info("Task canceled")
			return Result{Task: task, Outcome: OutcomeCanceled, Err: err}
		}

		p.save(ctx, task, checkpoint.StatusFailed, attempts, err, logger)
		if p.metrics != nil {
			p.metrics.IncFailed()
		}
		logger.Error("Task failed",
			zap.String("kind", transfererr.KindOf(err).String()),
			zap.Error(err),
		)
		return Result{Task: task, Outcome: OutcomeFailed, Err: err}
	}

	p.save(ctx, task, checkpoint.StatusCompleted, attempts, nil, logger)
	if p.metrics != nil {
		p.metrics.IncCopied(string(receipt.Method), task.Size, time.Since(startTime))
	}
	logger.Info("Task completed successfully",
		zap.String("method", string(receipt.Method)),
		zap.Int64("size", task.Size),
		zap.Duration("duration", time.Since(startTime)),
	)
	return Result{Task: task, Outcome: OutcomeCopied, Receipt: receipt}
}

func (p *Processor) copy(ctx context.Context, task Task) (copier.Receipt, error) {
	engine, err := p.engines(ctx)
	if err != nil {
		return copier.Receipt{}, err
	}
	return engine.Copy(ctx, task.Request(p.kmsKeyID))
}

func (p *Processor) lookup(ctx context.Context, task Task, logger *zap.Logger) *checkpoint.TaskRecord {
	if p.checkpoint == nil {
		return nil
	}
	record, err := p.checkpoint.GetTask(ctx, task.ExecutionID, task.SourceKey)
	if err != nil {
		logger.Warn("Failed to read checkpoint", zap.Error(err))
		return nil
	}
	return record
}

func (p *Processor) save(ctx context.Context, task Task, status checkpoint.TaskStatus, attempts int, taskErr error, logger *zap.Logger) {
	if p.checkpoint == nil {
		return
	}

	record := &checkpoint.TaskRecord{
		ExecutionID: task.ExecutionID,
		SourceKey:   task.SourceKey,
		DestKey:     task.DestKey,
		Size:        task.Size,
		ETag:        task.ETag,
		Status:      status,
		Attempts:    attempts,
	}
	if taskErr != nil {
		record.LastError = taskErr.Error()
	}

	// the ledger must record outcomes even when the run is being cancelled
	if err := p.checkpoint.SaveTask(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("Failed to save checkpoint",
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
