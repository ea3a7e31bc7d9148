package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a point-in-time view of transfer progress
type Status struct {
	TotalObjects     int64
	ProcessedObjects int64
	CopiedObjects    int64
	FailedObjects    int64
	SkippedObjects   int64
	TotalBytes       int64
	ProcessedBytes   int64
	StartTime        time.Time
	LastUpdateTime   time.Time
	CurrentSpeed     float64 // bytes/second over the recent window
	AverageSpeed     float64 // bytes/second since start
	ETA              time.Duration
}

// Percent returns processed objects as a percentage of the total
func (s Status) Percent() float64 {
	if s.TotalObjects == 0 {
		return 0
	}
	return float64(s.ProcessedObjects) / float64(s.TotalObjects) * 100
}

// BytesPercent returns processed bytes as a percentage of the total
func (s Status) BytesPercent() float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.ProcessedBytes) / float64(s.TotalBytes) * 100
}

// Tracker aggregates per-task outcomes. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	status  Status
	samples []speedSample
	window  time.Duration
	now     func() time.Time
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

const maxSamples = 60

// NewTracker creates a tracker starting now
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{StartTime: start, LastUpdateTime: start},
		window: 5 * time.Second,
		now:    now,
	}
}

// SetTotal sets the expected number of objects and bytes
func (t *Tracker) SetTotal(objects, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalObjects = objects
	t.status.TotalBytes = bytes
}

// AddCopied records a copied object
func (t *Tracker) AddCopied(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.CopiedObjects++
	t.advance(bytes)
}

// AddSkipped records an object already completed by an earlier run
func (t *Tracker) AddSkipped(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SkippedObjects++
	t.advance(bytes)
}

// AddFailed records a failed object
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedObjects++
	t.advance(0)
}

// Status returns the current snapshot
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// advance must be called with the lock held
func (t *Tracker) advance(bytes int64) {
	now := t.now()
	t.status.ProcessedObjects++
	t.status.ProcessedBytes += bytes
	t.status.LastUpdateTime = now

	if bytes > 0 {
		t.samples = append(t.samples, speedSample{timestamp: now, bytes: bytes})
		if len(t.samples) > maxSamples {
			t.samples = t.samples[1:]
		}
	}

	t.status.CurrentSpeed = t.recentSpeed(now)
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedBytes) / elapsed.Seconds()
	}

	t.status.ETA = 0
	remaining := t.status.TotalBytes - t.status.ProcessedBytes
	if remaining > 0 && t.status.AverageSpeed > 0 {
		t.status.ETA = time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
	}
}

func (t *Tracker) recentSpeed(now time.Time) float64 {
	cutoff := now.Add(-t.window)
	var bytes int64
	var oldest time.Time
	for i := len(t.samples) - 1; i >= 0; i-- {
		if t.samples[i].timestamp.Before(cutoff) {
			break
		}
		bytes += t.samples[i].bytes
		oldest = t.samples[i].timestamp
	}
	if oldest.IsZero() {
		return 0
	}
	span := now.Sub(oldest)
	if span <= 0 {
		return 0
	}
	return float64(bytes) / span.Seconds()
}

// FormatBytes formats a byte count with binary units
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 4; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTP"[exp])
}

// FormatSpeed formats a transfer rate
func FormatSpeed(bytesPerSecond float64) string {
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}

// FormatDuration formats an ETA; zero renders as unknown
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	return d.Round(time.Second).String()
}
