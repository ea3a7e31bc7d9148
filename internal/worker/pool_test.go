package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"s3transfer/internal/checkpoint"
	"s3transfer/internal/copier"
	"s3transfer/internal/manifest"
	"s3transfer/internal/metrics"
	"s3transfer/internal/retry"
	"s3transfer/internal/storage/storagetest"
	"s3transfer/internal/transfererr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var route = manifest.Route{
	SourceBucket:      "src",
	SourcePrefix:      "data/",
	DestinationBucket: "dst",
	DestinationPrefix: "out/",
}

type fixture struct {
	fake       *storagetest.Client
	engine     *copier.Engine
	checkpoint *checkpoint.SQLiteStore
	metrics    *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := retry.New(nil)
	r.Sleep = func(context.Context, time.Duration) error { return nil }

	fake := storagetest.New()
	engine := copier.New(fake, copier.Config{MultipartThreshold: 1 << 20, PartSize: 512 << 10}, r, nil)
	engine.Policy.MaxAttempts = 2

	return &fixture{fake: fake, engine: engine, checkpoint: store, metrics: metrics.New()}
}

func (f *fixture) pool(size int) *Pool {
	processor := NewProcessor(StaticEngine(f.engine), "kms", f.checkpoint, f.metrics, nil)
	return NewPool(size, processor, nil)
}

func (f *fixture) tasks(n int) []Task {
	entries := make([]manifest.Entry, n)
	for i := range entries {
		key := fmt.Sprintf("data/obj-%02d", i)
		size := int64(1000 + i)
		f.fake.SetObject("src", key, size, "e")
		entries[i] = manifest.Entry{Key: key, Size: size, ETag: "e"}
	}
	return TasksFromManifest(manifest.New("exec-1", route, entries, time.Now()))
}

func TestNewTask(t *testing.T) {
	task := NewTask("exec-1", route, manifest.Entry{Key: "data/a/b.txt", Size: 7, ETag: `"x"`})

	assert.Equal(t, Task{
		ExecutionID:  "exec-1",
		SourceBucket: "src",
		SourceKey:    "data/a/b.txt",
		DestBucket:   "dst",
		DestKey:      "out/a/b.txt",
		Size:         7,
		ETag:         `"x"`,
	}, task)

	req := task.Request("key-1")
	assert.Equal(t, "key-1", req.KMSKeyID)
	assert.Equal(t, int64(7), req.Size)
}

func TestPool_CopiesAllTasks(t *testing.T) {
	f := newFixture(t)
	tasks := f.tasks(20)

	summary, err := f.pool(4).Run(context.Background(), tasks)

	require.NoError(t, err)
	assert.Equal(t, 20, summary.Total)
	assert.Equal(t, 20, summary.Copied)
	assert.Zero(t, summary.Failed)
	assert.Len(t, f.fake.Calls(storagetest.OpCopy), 20)

	for _, task := range tasks {
		obj, ok := f.fake.Object("dst", task.DestKey)
		require.True(t, ok, task.DestKey)
		assert.Equal(t, task.Size, obj.Size)
		assert.Equal(t, "kms", obj.KMSKeyID)
	}

	completed, err := f.checkpoint.ListTasks(context.Background(), "exec-1", checkpoint.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 20)
	assert.Equal(t, int64(20), f.metrics.ProgressTracker().Status().CopiedObjects)
}

func TestPool_SkipsCompletedTasksOnRerun(t *testing.T) {
	f := newFixture(t)
	tasks := f.tasks(5)

	_, err := f.pool(2).Run(context.Background(), tasks)
	require.NoError(t, err)

	summary, err := f.pool(2).Run(context.Background(), tasks)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Skipped)
	assert.Zero(t, summary.Copied)
	assert.Len(t, f.fake.Calls(storagetest.OpCopy), 5)
}

func TestPool_RetryableFailureContinues(t *testing.T) {
	f := newFixture(t)
	tasks := f.tasks(6)
	f.fake.Fail = func(call storagetest.Call) error {
		if call.Op == storagetest.OpCopy && call.Key == "out/obj-03" {
			return storagetest.APIError("SlowDown")
		}
		return nil
	}

	summary, err := f.pool(2).Run(context.Background(), tasks)

	require.NoError(t, err)
	assert.Equal(t, 5, summary.Copied)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "data/obj-03", summary.Errors[0].SourceKey)
	assert.Equal(t, "retryable", summary.Errors[0].Kind)

	record, err := f.checkpoint.GetTask(context.Background(), "exec-1", "data/obj-03")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, checkpoint.StatusFailed, record.Status)
	assert.Contains(t, record.LastError, "SlowDown")
}

func TestPool_FailedTaskIsRetriedOnRerun(t *testing.T) {
	f := newFixture(t)
	tasks := f.tasks(3)
	f.fake.Fail = func(call storagetest.Call) error {
		if call.Op == storagetest.OpCopy && call.Key == "out/obj-01" {
			return storagetest.APIError("InternalError")
		}
		return nil
	}
	_, err := f.pool(1).Run(context.Background(), tasks)
	require.NoError(t, err)

	f.fake.Fail = nil
	summary, err := f.pool(1).Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Copied)

	record, err := f.checkpoint.GetTask(context.Background(), "exec-1", "data/obj-01")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, record.Status)
	assert.Equal(t, 2, record.Attempts)
}

func TestPool_NonRetryableFailureHalts(t *testing.T) {
	f := newFixture(t)
	tasks := f.tasks(50)
	f.fake.Fail = func(call storagetest.Call) error {
		if call.Op == storagetest.OpCopy && call.Key == "out/obj-00" {
			return storagetest.APIError("AccessDenied")
		}
		return nil
	}

	summary, err := f.pool(1).Run(context.Background(), tasks)

	require.Error(t, err)
	assert.True(t, transfererr.Is(err, transfererr.KindAccessDenied))
	assert.Equal(t, 1, summary.Failed)
	assert.Less(t, summary.Copied, 49)
}

func TestPool_EngineSourceErrorHalts(t *testing.T) {
	f := newFixture(t)
	denied := transfererr.AccessDenied("assume_role", "AccessDenied", "not allowed")
	processor := NewProcessor(func(context.Context) (*copier.Engine, error) { return nil, denied }, "", nil, nil, nil)

	_, err := NewPool(2, processor, nil).Run(context.Background(), f.tasks(10))

	assert.ErrorIs(t, err, denied)
	assert.Empty(t, f.fake.Calls(storagetest.OpCopy))
}

func TestPool_ParentCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.pool(2).Run(ctx, f.tasks(10))

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, summary.Copied, 10)
}

func TestPool_EmptyTaskList(t *testing.T) {
	f := newFixture(t)
	summary, err := f.pool(4).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
}
