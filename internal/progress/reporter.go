package progress

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reporter periodically logs tracker snapshots
type Reporter struct {
	tracker  *Tracker
	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewReporter creates a reporter; call Start to begin logging
func NewReporter(tracker *Tracker, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reporter{
		tracker:  tracker,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reporting loop
func (r *Reporter) Start() {
	go r.loop()
}

// Stop ends the loop after logging a final snapshot. Safe to call more than once.
func (r *Reporter) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
		<-r.done
	})
}

func (r *Reporter) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report("Transfer progress")
		case <-r.stopCh:
			r.report("Transfer finished")
			return
		}
	}
}

func (r *Reporter) report(msg string) {
	s := r.tracker.Status()
	r.logger.Info(msg, Fields(s)...)
}

// Fields renders a snapshot as structured log fields
func Fields(s Status) []zap.Field {
	return []zap.Field{
		zap.Int64("processed", s.ProcessedObjects),
		zap.Int64("total", s.TotalObjects),
		zap.Int64("copied", s.CopiedObjects),
		zap.Int64("skipped", s.SkippedObjects),
		zap.Int64("failed", s.FailedObjects),
		zap.String("percent", formatPercent(s.Percent())),
		zap.String("bytes", FormatBytes(s.ProcessedBytes)),
		zap.String("total_bytes", FormatBytes(s.TotalBytes)),
		zap.String("speed", FormatSpeed(s.CurrentSpeed)),
		zap.String("eta", FormatDuration(s.ETA)),
		zap.Duration("elapsed", s.LastUpdateTime.Sub(s.StartTime)),
	}
}

func formatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}
