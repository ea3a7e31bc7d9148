// Package manifest holds the transfer inventory and the document that
// persists it between stages.
package manifest

import (
	"fmt"
	"strings"
	"time"
)

// Entry is one inventoried source object
type Entry struct {
	Key  string `json:"Key"`
	Size int64  `json:"Size"`
	ETag string `json:"ETag"`
}

// Manifest is the persisted inventory for one execution
type Manifest struct {
	ExecutionID       string    `json:"execution_id"`
	Timestamp         time.Time `json:"timestamp"`
	SourceBucket      string    `json:"source_bucket"`
	SourcePrefix      string    `json:"source_prefix"`
	DestinationBucket string    `json:"destination_bucket"`
	DestinationPrefix string    `json:"destination_prefix"`
	TotalObjects      int       `json:"total_objects"`
	TotalSizeBytes    int64     `json:"total_size_bytes"`
	Objects           []Entry   `json:"objects"`
}

// New builds a manifest and computes its totals
func New(executionID string, route Route, objects []Entry, now time.Time) *Manifest {
	m := &Manifest{
		ExecutionID:       executionID,
		Timestamp:         now.UTC(),
		SourceBucket:      route.SourceBucket,
		SourcePrefix:      route.SourcePrefix,
		DestinationBucket: route.DestinationBucket,
		DestinationPrefix: route.DestinationPrefix,
		Objects:           objects,
	}
	if m.Objects == nil {
		m.Objects = []Entry{}
	}
	m.TotalObjects = len(m.Objects)
	for _, obj := range m.Objects {
		m.TotalSizeBytes += obj.Size
	}
	return m
}

// Route returns the bucket and prefix pairs recorded in the manifest
func (m *Manifest) Route() Route {
	return Route{
		SourceBucket:      m.SourceBucket,
		SourcePrefix:      m.SourcePrefix,
		DestinationBucket: m.DestinationBucket,
		DestinationPrefix: m.DestinationPrefix,
	}
}

// Route pairs a source location with its destination
type Route struct {
	SourceBucket      string
	SourcePrefix      string
	DestinationBucket string
	DestinationPrefix string
}

// DestinationKey maps a source key to its destination key
func (r Route) DestinationKey(sourceKey string) string {
	return DestinationKey(sourceKey, r.SourcePrefix, r.DestinationPrefix)
}

// DestinationKey replaces srcPrefix with dstPrefix. A key outside srcPrefix
// is returned unchanged.
func DestinationKey(sourceKey, srcPrefix, dstPrefix string) string {
	rest, ok := strings.CutPrefix(sourceKey, srcPrefix)
	if !ok {
		return sourceKey
	}
	return dstPrefix + rest
}

// Key returns the manifest location for an execution
func Key(executionID string) string {
	return fmt.Sprintf("manifests/%s/manifest.json", executionID)
}

// Location renders an s3:// URI
func Location(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}
