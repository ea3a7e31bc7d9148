package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the counter value of a gathered metric family with the given label, if any
func value(t *testing.T, c *Collector, name, label, labelValue string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := label == ""
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == labelValue {
					matched = true
				}
			}
			if matched && m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCollector_Counters(t *testing.T) {
	c := New()
	c.SetTotalCounts(3, 300)

	c.IncCopied("multipart", 200, time.Second)
	c.IncSkipped(100)
	c.IncFailed()
	c.IncRetry("upload_part_copy")
	c.IncRetry("upload_part_copy")
	c.IncAbort()
	c.ObserveSample(true)
	c.ObserveSample(false)

	assert.Equal(t, 1.0, value(t, c, "s3transfer_objects_total", "status", "copied"))
	assert.Equal(t, 1.0, value(t, c, "s3transfer_objects_total", "status", "skipped"))
	assert.Equal(t, 1.0, value(t, c, "s3transfer_objects_total", "status", "failed"))
	assert.Equal(t, 1.0, value(t, c, "s3transfer_copies_total", "method", "multipart"))
	assert.Equal(t, 200.0, value(t, c, "s3transfer_bytes_total", "", ""))
	assert.Equal(t, 2.0, value(t, c, "s3transfer_retries_total", "operation", "upload_part_copy"))
	assert.Equal(t, 1.0, value(t, c, "s3transfer_multipart_aborts_total", "", ""))
	assert.Equal(t, 1.0, value(t, c, "s3transfer_validation_samples_total", "outcome", "passed"))

	s := c.ProgressTracker().Status()
	assert.Equal(t, int64(3), s.ProcessedObjects)
	assert.Equal(t, int64(300), s.ProcessedBytes)
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncFailed()
	assert.Zero(t, value(t, b, "s3transfer_objects_total", "status", "failed"))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.IncAbort()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s3transfer_multipart_aborts_total 1")
}
