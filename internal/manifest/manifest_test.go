package manifest

import (
	"context"
	"errors"
	"testing"
	"time"

	"s3transfer/internal/storage/storagetest"
	"s3transfer/internal/transfererr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		srcPrefix string
		dstPrefix string
		want      string
	}{
		{name: "prefix replaced", key: "data/a/b.txt", srcPrefix: "data/", dstPrefix: "out/", want: "out/a/b.txt"},
		{name: "no match keeps key", key: "other/x.txt", srcPrefix: "data/", dstPrefix: "out/", want: "other/x.txt"},
		{name: "no prefixes", key: "a.txt", want: "a.txt"},
		{name: "only destination prefix", key: "a.txt", dstPrefix: "backup/", want: "backup/a.txt"},
		{name: "only source prefix", key: "data/a.txt", srcPrefix: "data/", want: "a.txt"},
		{name: "prefix repeated in key", key: "data/data/a", srcPrefix: "data/", dstPrefix: "out/", want: "out/data/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DestinationKey(tt.key, tt.srcPrefix, tt.dstPrefix))
		})
	}
}

func TestRoute_DestinationKey(t *testing.T) {
	r := Route{SourcePrefix: "data/", DestinationPrefix: "out/"}
	assert.Equal(t, "out/a/b.txt", r.DestinationKey("data/a/b.txt"))
	assert.Equal(t, "other/x.txt", r.DestinationKey("other/x.txt"))
}

func TestNew_ComputesTotals(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m := New("exec-1", Route{SourceBucket: "src", DestinationBucket: "dst"}, []Entry{
		{Key: "a", Size: 10},
		{Key: "b", Size: 32},
	}, now)

	assert.Equal(t, 2, m.TotalObjects)
	assert.Equal(t, int64(42), m.TotalSizeBytes)
	assert.Equal(t, now, m.Timestamp)
	assert.Equal(t, "src", m.Route().SourceBucket)

	empty := New("exec-2", Route{}, nil, now)
	assert.NotNil(t, empty.Objects)
	assert.Zero(t, empty.TotalObjects)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "manifests/abc/manifest.json", Key("abc"))
	assert.Equal(t, "s3://bucket/manifests/abc/manifest.json", Location("bucket", Key("abc")))
}

func TestStore_SaveAndLoad(t *testing.T) {
	fake := storagetest.New()
	store := NewStore(fake, "hub", "kms-1")

	m := New("exec-1", Route{SourceBucket: "src", SourcePrefix: "data/", DestinationBucket: "dst", DestinationPrefix: "out/"},
		[]Entry{{Key: "data/a", Size: 5, ETag: `"e1"`}}, time.Now())

	key, err := store.SaveManifest(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "manifests/exec-1/manifest.json", key)

	obj, ok := fake.Object("hub", key)
	require.True(t, ok)
	assert.Equal(t, "kms-1", obj.KMSKeyID)
	assert.Contains(t, string(obj.Data), `"Key":"data/a"`)
	assert.Contains(t, string(obj.Data), `"total_objects":1`)

	loaded, err := store.LoadManifest(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, m.Objects, loaded.Objects)
	assert.Equal(t, "out/", loaded.DestinationPrefix)
}

func TestStore_Errors(t *testing.T) {
	fake := storagetest.New()
	store := NewStore(fake, "hub", "")

	_, err := store.LoadManifest(context.Background(), "manifests/missing/manifest.json")
	require.Error(t, err)
	assert.True(t, transfererr.Is(err, transfererr.KindManifest))
	assert.False(t, transfererr.IsRetryable(err))

	fake.PutBytes("hub", "broken.json", []byte("{not json"))
	err = store.GetJSON(context.Background(), "broken.json", &Manifest{})
	assert.True(t, transfererr.Is(err, transfererr.KindManifest))

	fake.Fail = func(call storagetest.Call) error {
		if call.Op == storagetest.OpPut {
			return errors.New("boom")
		}
		return nil
	}
	_, err = store.SaveManifest(context.Background(), New("x", Route{}, nil, time.Now()))
	require.Error(t, err)
	e, ok := transfererr.As(err)
	require.True(t, ok)
	assert.Equal(t, transfererr.KindManifest, e.Kind)
	assert.Equal(t, "manifests/x/manifest.json", e.Details["key"])
}
