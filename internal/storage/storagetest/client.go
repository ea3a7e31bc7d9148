// Package storagetest provides an in-memory storage.Client for tests.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"s3transfer/internal/storage"

	"github.com/aws/smithy-go"
)

// Operation names recorded in Calls
const (
	OpHead     = "HeadObject"
	OpGet      = "GetObject"
	OpPut      = "PutObject"
	OpCopy     = "CopyObject"
	OpList     = "ListObjectsV2"
	OpCreate   = "CreateMultipartUpload"
	OpPartCopy = "UploadPartCopy"
	OpComplete = "CompleteMultipartUpload"
	OpAbort    = "AbortMultipartUpload"
)

// Object is a stored object. Data is only kept for objects written through
// PutObject or PutBytes; copies and multipart completions carry size only.
type Object struct {
	Size     int64
	ETag     string
	KMSKeyID string
	Data     []byte
}

// Call is one recorded client invocation
type Call struct {
	Op         string
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Range      string
	KMSKeyID   string
	Parts      []storage.CompletedPart
}

type upload struct {
	bucket   string
	key      string
	kmsKeyID string
	parts    map[int]int64
}

// Client is an in-memory object store that records every call.
// Fail, when set, is consulted before each operation; a non-nil return is
// surfaced as that operation's error.
type Client struct {
	mu       sync.Mutex
	objects  map[string]Object
	uploads  map[string]*upload
	calls    []Call
	uploadID int

	// PageSize bounds objects per listing page; zero means 1000
	PageSize int
	Fail     func(call Call) error
}

// New creates an empty store
func New() *Client {
	return &Client{
		objects: make(map[string]Object),
		uploads: make(map[string]*upload),
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// NoSuchKey mirrors the remote error returned for missing objects
func NoSuchKey(key string) error {
	return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist: " + key}
}

// APIError builds a remote error carrying code
func APIError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// SetObject stores metadata for an object without content
func (c *Client) SetObject(bucket, key string, size int64, etag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[objectKey(bucket, key)] = Object{Size: size, ETag: etag}
}

// PutBytes stores an object with content
func (c *Client) PutBytes(bucket, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[objectKey(bucket, key)] = Object{Size: int64(len(data)), ETag: fmt.Sprintf("etag-%d", len(data)), Data: append([]byte(nil), data...)}
}

// Object returns a stored object
func (c *Client) Object(bucket, key string) (Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[objectKey(bucket, key)]
	return obj, ok
}

// Delete removes an object
func (c *Client) Delete(bucket, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, objectKey(bucket, key))
}

// Calls returns recorded calls, optionally filtered by operation
func (c *Client) Calls(ops ...string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(ops) == 0 {
		return append([]Call(nil), c.calls...)
	}
	var out []Call
	for _, call := range c.calls {
		for _, op := range ops {
			if call.Op == op {
				out = append(out, call)
				break
			}
		}
	}
	return out
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted
func (c *Client) OpenUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads)
}

// record appends call and returns the injected failure, if any.
// Must be called with the lock held.
func (c *Client) record(call Call) error {
	c.calls = append(c.calls, call)
	if c.Fail == nil {
		return nil
	}
	return c.Fail(call)
}

// HeadObject implements storage.Client
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (storage.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: OpHead, Bucket: bucket, Key: key}); err != nil {
		return storage.ObjectInfo{}, err
	}
	obj, ok := c.objects[objectKey(bucket, key)]
	if !ok {
		return storage.ObjectInfo{}, NoSuchKey(key)
	}
	return storage.ObjectInfo{Key: key, Size: obj.Size, ETag: obj.ETag}, nil
}

// GetObject implements storage.Client
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: OpGet, Bucket: bucket, Key: key}); err != nil {
		return nil, err
	}
	obj, ok := c.objects[objectKey(bucket, key)]
	if !ok {
		return nil, NoSuchKey(key)
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

// PutObject implements storage.Client
func (c *Client) PutObject(ctx context.Context, bucket, key string, body io.Reader, size int64, opts storage.PutOptions) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: OpPut, Bucket: bucket, Key: key, KMSKeyID: opts.KMSKeyID}); err != nil {
		return err
	}
	c.objects[objectKey(bucket, key)] = Object{
		Size:     int64(len(data)),
		ETag:     fmt.Sprintf("etag-%d", len(data)),
		KMSKeyID: opts.KMSKeyID,
		Data:     data,
	}
	return nil
}

// CopyObject implements storage.Client
func (c *Client) CopyObject(ctx context.Context, in storage.CopyInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: OpCopy, Bucket: in.DestBucket, Key: in.DestKey, KMSKeyID: in.KMSKeyID}); err != nil {
		return "", err
	}
	src, ok := c.objects[objectKey(in.SourceBucket, in.SourceKey)]
	if !ok {
		return "", NoSuchKey(in.SourceKey)
	}
	dst := src
	dst.KMSKeyID = in.KMSKeyID
	c.objects[objectKey(in.DestBucket, in.DestKey)] = dst
	return dst.ETag, nil
}

// ListPages implements storage.Client
func (c *Client) ListPages(ctx context.Context, bucket, prefix string, fn func(storage.Page) error) error {
	c.mu.Lock()
	if err := c.record(Call{Op: OpList, Bucket: bucket, Key: prefix}); err != nil {
		c.mu.Unlock()
		return err
	}

	var keys []string
	for k := range c.objects {
		name, ok := strings.CutPrefix(k, bucket+"/")
		if ok && strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)

	infos := make([]storage.ObjectInfo, len(keys))
	for i, k := range keys {
		obj := c.objects[objectKey(bucket, k)]
		infos[i] = storage.ObjectInfo{Key: k, Size: obj.Size, ETag: obj.ETag}
	}
	pageSize := c.PageSize
	c.mu.Unlock()

	if pageSize <= 0 {
		pageSize = 1000
	}
	for start := 0; start < len(infos); start += pageSize {
		end := min(start+pageSize, len(infos))
		if err := fn(storage.Page{Objects: infos[start:end], KeyCount: int64(end - start)}); err != nil {
			return err
		}
	}
	return nil
}

// CreateMultipartUpload implements storage.Client
func (c *Client) CreateMultipartUpload(ctx context.Context, bucket, key, kmsKeyID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: OpCreate, Bucket: bucket, Key: key, KMSKeyID: kmsKeyID}); err != nil {
		return "", err
	}
	c.uploadID++
	id := fmt.Sprintf("upload-%d", c.uploadID)
	c.uploads[id] = &upload{bucket: bucket, key: key, kmsKeyID: kmsKeyID, parts: make(map[int]int64)}
	return id, nil
}

// UploadPartCopy implements storage.Client
func (c *Client) UploadPartCopy(ctx context.Context, in storage.PartCopyInput) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call := Call{Op: OpPartCopy, Bucket: in.DestBucket, Key: in.DestKey, UploadID: in.UploadID, PartNumber: in.PartNumber, Range: in.Range()}
	if err := c.record(call); err != nil {
		return "", err
	}
	up, ok := c.uploads[in.UploadID]
	if !ok {
		return "", APIError("NoSuchUpload")
	}
	if _, ok := c.objects[objectKey(in.SourceBucket, in.SourceKey)]; !ok {
		return "", NoSuchKey(in.SourceKey)
	}
	up.parts[in.PartNumber] = in.End - in.Start + 1
	return fmt.Sprintf("part-%d", in.PartNumber), nil
}

// CompleteMultipartUpload implements storage.Client. Parts must be in
// ascending order, as the real service requires.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []storage.CompletedPart) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call := Call{Op: OpComplete, Bucket: bucket, Key: key, UploadID: uploadID, Parts: append([]storage.CompletedPart(nil), parts...)}
	if err := c.record(call); err != nil {
		return "", err
	}
	up, ok := c.uploads[uploadID]
	if !ok {
		return "", APIError("NoSuchUpload")
	}

	var size int64
	for i, part := range parts {
		if i > 0 && parts[i-1].PartNumber >= part.PartNumber {
			return "", APIError("InvalidPartOrder")
		}
		partSize, ok := up.parts[part.PartNumber]
		if !ok {
			return "", APIError("InvalidPart")
		}
		size += partSize
	}

	etag := fmt.Sprintf("multipart-%d", len(parts))
	c.objects[objectKey(bucket, key)] = Object{Size: size, ETag: etag, KMSKeyID: up.kmsKeyID}
	delete(c.uploads, uploadID)
	return etag, nil
}

// AbortMultipartUpload implements storage.Client
func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.record(Call{Op: OpAbort, Bucket: bucket, Key: key, UploadID: uploadID}); err != nil {
		return err
	}
	delete(c.uploads, uploadID)
	return nil
}

var _ storage.Client = (*Client)(nil)
