package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetTask(ctx, "exec-1", "data/a")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.SaveTask(ctx, &TaskRecord{
		ExecutionID: "exec-1",
		SourceKey:   "data/a",
		DestKey:     "out/a",
		Size:        42,
		ETag:        `"e"`,
		Status:      StatusFailed,
		Attempts:    1,
		LastError:   "throttled",
	}))

	require.NoError(t, store.SaveTask(ctx, &TaskRecord{
		ExecutionID: "exec-1",
		SourceKey:   "data/a",
		DestKey:     "out/a",
		Size:        42,
		ETag:        `"e"`,
		Status:      StatusCompleted,
		Attempts:    2,
	}))

	record, err := store.GetTask(ctx, "exec-1", "data/a")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, 2, record.Attempts)
	assert.Equal(t, "out/a", record.DestKey)
	assert.Empty(t, record.LastError)
	assert.False(t, record.UpdatedAt.IsZero())
}

func TestSQLiteStore_ScopedByExecution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveTask(ctx, &TaskRecord{ExecutionID: "exec-1", SourceKey: "k", Status: StatusCompleted}))

	other, err := store.GetTask(ctx, "exec-2", "k")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSQLiteStore_ListTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		status := StatusCompleted
		if i%2 == 1 {
			status = StatusFailed
		}
		require.NoError(t, store.SaveTask(ctx, &TaskRecord{
			ExecutionID: "exec-1",
			SourceKey:   fmt.Sprintf("k%d", i),
			Status:      status,
			LastError:   "",
		}))
	}
	require.NoError(t, store.SaveTask(ctx, &TaskRecord{ExecutionID: "exec-2", SourceKey: "k9", Status: StatusFailed}))

	failed, err := store.ListTasks(ctx, "exec-1", StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, r := range failed {
		assert.Equal(t, "exec-1", r.ExecutionID)
	}

	completed, err := store.ListTasks(ctx, "exec-1", StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 3)
}

func TestSQLiteStore_ConcurrentWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.SaveTask(ctx, &TaskRecord{ExecutionID: "exec", SourceKey: fmt.Sprintf("k%d", i), Status: StatusCompleted})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := store.ListTasks(ctx, "exec", StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, records, 32)
}

func TestSQLiteStore_Closed(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.GetTask(context.Background(), "e", "k")
	assert.Error(t, err)
	assert.Error(t, store.SaveTask(context.Background(), &TaskRecord{}))
}

func TestIsSQLiteBusyError(t *testing.T) {
	assert.True(t, isSQLiteBusyError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isSQLiteBusyError(errors.New("no such table")))
	assert.False(t, isSQLiteBusyError(nil))
}
