package checkpoint

import (
	"context"
	"time"
)

// TaskStatus represents the status of a transfer task
type TaskStatus string

const (
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// TaskRecord is the ledger row for one source object in one execution
type TaskRecord struct {
	ExecutionID string     `json:"execution_id"`
	SourceKey   string     `json:"source_key"`
	DestKey     string     `json:"dest_key"`
	Size        int64      `json:"size"`
	ETag        string     `json:"etag"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// Task operations
	GetTask(ctx context.Context, executionID, sourceKey string) (*TaskRecord, error)
	SaveTask(ctx context.Context, record *TaskRecord) error
	ListTasks(ctx context.Context, executionID string, status TaskStatus) ([]*TaskRecord, error)

	// Cleanup
	Close() error
}
