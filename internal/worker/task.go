package worker

import (
	"s3transfer/internal/copier"
	"s3transfer/internal/manifest"
)

// Task represents one object transfer within an execution
type Task struct {
	ExecutionID  string `json:"execution_id"`
	SourceBucket string `json:"source_bucket"`
	SourceKey    string `json:"source_key"`
	DestBucket   string `json:"dest_bucket"`
	DestKey      string `json:"dest_key"`
	Size         int64  `json:"size"`
	ETag         string `json:"etag"`
}

// NewTask derives the task for one inventory entry
func NewTask(executionID string, route manifest.Route, entry manifest.Entry) Task {
	return Task{
		ExecutionID:  executionID,
		SourceBucket: route.SourceBucket,
		SourceKey:    entry.Key,
		DestBucket:   route.DestinationBucket,
		DestKey:      route.DestinationKey(entry.Key),
		Size:         entry.Size,
		ETag:         entry.ETag,
	}
}

// TasksFromManifest derives one task per manifest entry, in manifest order
func TasksFromManifest(m *manifest.Manifest) []Task {
	route := m.Route()
	tasks := make([]Task, len(m.Objects))
	for i, entry := range m.Objects {
		tasks[i] = NewTask(m.ExecutionID, route, entry)
	}
	return tasks
}

// Request converts the task into a copy request
func (t Task) Request(kmsKeyID string) copier.Request {
	return copier.Request{
		SourceBucket: t.SourceBucket,
		SourceKey:    t.SourceKey,
		DestBucket:   t.DestBucket,
		DestKey:      t.DestKey,
		Size:         t.Size,
		KMSKeyID:     kmsKeyID,
	}
}

// Outcome is the terminal state of a processed task
type Outcome string

const (
	OutcomeCopied   Outcome = "copied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
)

// Result reports how one task ended
type Result struct {
	Task    Task
	Outcome Outcome
	Receipt copier.Receipt
	Err     error
}
