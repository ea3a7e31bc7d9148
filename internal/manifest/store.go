package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"s3transfer/internal/storage"
	"s3transfer/internal/transfererr"
)

const jsonContentType = "application/json"

// Store reads and writes JSON documents in a single bucket
type Store struct {
	client   storage.Client
	bucket   string
	kmsKeyID string
}

// NewStore creates a document store. kmsKeyID may be empty.
func NewStore(client storage.Client, bucket, kmsKeyID string) *Store {
	return &Store{client: client, bucket: bucket, kmsKeyID: kmsKeyID}
}

// Bucket returns the bucket documents are stored in
func (s *Store) Bucket() string {
	return s.bucket
}

// Put writes raw bytes to key
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: contentType,
		KMSKeyID:    s.kmsKeyID,
	})
	if err != nil {
		return s.fail("write", key, err)
	}
	return nil
}

// Get reads the full document at key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	body, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, s.fail("read", key, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, s.fail("read", key, err)
	}
	return data, nil
}

// PutJSON encodes v and writes it to key
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return s.fail("encode", key, err)
	}
	return s.Put(ctx, key, data, jsonContentType)
}

// GetJSON reads key and decodes it into v
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return s.fail("decode", key, err)
	}
	return nil
}

// SaveManifest writes m at its execution key and returns that key
func (s *Store) SaveManifest(ctx context.Context, m *Manifest) (string, error) {
	key := Key(m.ExecutionID)
	if err := s.PutJSON(ctx, key, m); err != nil {
		return "", err
	}
	return key, nil
}

// LoadManifest reads the manifest stored at key
func (s *Store) LoadManifest(ctx context.Context, key string) (*Manifest, error) {
	var m Manifest
	if err := s.GetJSON(ctx, key, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) fail(action, key string, err error) error {
	e := transfererr.Wrap(transfererr.KindManifest, "manifest_"+action, err)
	e.Message = fmt.Sprintf("failed to %s %s: %v", action, Location(s.bucket, key), err)
	return e.WithDetail("bucket", s.bucket).WithDetail("key", key)
}
