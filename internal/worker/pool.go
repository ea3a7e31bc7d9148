package worker

import (
	"context"
	"sync"

	"s3transfer/internal/transfererr"

	"go.uber.org/zap"
)

// TaskError pairs a failed task with its error
type TaskError struct {
	SourceKey string `json:"source_key"`
	DestKey   string `json:"dest_key"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// Summary aggregates the results of one pool run
type Summary struct {
	Total    int         `json:"total"`
	Copied   int         `json:"copied"`
	Skipped  int         `json:"skipped"`
	Failed   int         `json:"failed"`
	Canceled int         `json:"canceled"`
	Bytes    int64       `json:"bytes"`
	Errors   []TaskError `json:"errors,omitempty"`
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case OutcomeCopied:
		s.Copied++
		s.Bytes += r.Task.Size
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeCanceled:
		s.Canceled++
	case OutcomeFailed:
		s.Failed++
		s.Errors = append(s.Errors, TaskError{
			SourceKey: r.Task.SourceKey,
			DestKey:   r.Task.DestKey,
			Kind:      transfererr.KindOf(r.Err).String(),
			Error:     r.Err.Error(),
		})
	}
}

// Pool manages a pool of workers
type Pool struct {
	size      int
	processor *Processor
	logger    *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(size int, processor *Processor, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:      size,
		processor: processor,
		logger:    logger,
	}
}

// Run processes every task. Tasks are independent; an exhausted retryable
// failure is recorded and the run continues, while the first non-retryable
// failure stops new tasks from starting and is returned.
func (p *Pool) Run(ctx context.Context, tasks []Task) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		summary = Summary{Total: len(tasks)}
		fatal   error
	)

	results := func(r Result) {
		mu.Lock()
		defer mu.Unlock()

		summary.add(r)
		if r.Outcome == OutcomeFailed && !transfererr.IsRetryable(r.Err) && fatal == nil {
			fatal = r.Err
			p.logger.Error("Non-retryable failure, halting execution",
				zap.String("source_key", r.Task.SourceKey),
				zap.Error(r.Err),
			)
			cancel()
		}
	}

	queue := make(chan Task, p.size*2)
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, queue, results, &wg)
	}

enqueue:
	for _, task := range tasks {
		select {
		case queue <- task:
		case <-ctx.Done():
			break enqueue
		}
	}
	close(queue)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	if fatal != nil {
		return summary, fatal
	}
	if err := ctx.Err(); err != nil && summary.Copied+summary.Skipped+summary.Failed < summary.Total {
		return summary, transfererr.Classify(err, "transfer")
	}
	return summary, nil
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, results func(Result), wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return
			}
			if ctx.Err() != nil {
				return
			}
			results(p.processor.Process(ctx, task))

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}
