// Package validate certifies a finished transfer with a destination count
// check and a random sample of size probes.
package validate

import (
	"context"
	"fmt"
	"math/rand/v2"

	"s3transfer/internal/manifest"
	"s3transfer/internal/retry"
	"s3transfer/internal/storage"
	"s3transfer/internal/transfererr"

	"go.uber.org/zap"
)

// Status is the overall validation outcome
type Status string

const (
	StatusPassed Status = "PASSED"
	StatusFailed Status = "FAILED"

	ReasonSizeMismatch = "size_mismatch"
	reasonHeadFailed   = "head_object_failed"

	DefaultSampleSize = 10
)

// Failure describes one sampled object that did not check out
type Failure struct {
	Key          string `json:"key"`
	ExpectedSize int64  `json:"expected_size"`
	ActualSize   *int64 `json:"actual_size,omitempty"`
	Reason       string `json:"reason"`
}

// Result is the validation document handed to reporting
type Result struct {
	Status            Status    `json:"status"`
	TotalExpected     int       `json:"total_expected"`
	TotalFound        int64     `json:"total_found"`
	SamplesChecked    int       `json:"samples_checked"`
	SamplesPassed     int       `json:"samples_passed"`
	Failures          []Failure `json:"failures"`
	ExecutionID       string    `json:"execution_id"`
	ManifestBucket    string    `json:"manifest_bucket,omitempty"`
	ManifestKey       string    `json:"manifest_key,omitempty"`
	DestinationBucket string    `json:"destination_bucket,omitempty"`
}

// Passed reports whether the transfer was certified
func (r *Result) Passed() bool {
	return r.Status == StatusPassed
}

// Err converts a failed result into a non-retryable validation error that
// carries the full result. A passed result returns nil.
func (r *Result) Err() error {
	if r.Passed() {
		return nil
	}
	msg := fmt.Sprintf("transfer validation failed: expected %d, found %d, %d sample failures",
		r.TotalExpected, r.TotalFound, len(r.Failures))
	return transfererr.New(transfererr.KindValidation, "validate", msg).
		WithDetail("execution_id", r.ExecutionID).
		WithDetail("result", *r)
}

// Request describes what to validate
type Request struct {
	Inventory   []manifest.Entry
	Route       manifest.Route
	SampleSize  int
	ExecutionID string
}

// Sampler runs validations against the destination bucket
type Sampler struct {
	client  storage.Client
	retrier *retry.Retrier
	logger  *zap.Logger

	Policy retry.Policy
	// Rand drives sample selection; nil uses the global source
	Rand *rand.Rand
	// OnSample observes each probe outcome
	OnSample func(passed bool)
}

// New creates a sampler using the destination-side client
func New(client storage.Client, retrier *retry.Retrier, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = retry.New(logger)
	}
	return &Sampler{
		client:  client,
		retrier: retrier,
		logger:  logger,
		Policy:  retry.DefaultPolicy(),
	}
}

// Validate counts the destination prefix and probes a random sample of the
// inventory. Probe failures are recorded in the result; only listing
// failures and cancellation are returned as errors.
func (s *Sampler) Validate(ctx context.Context, req Request) (*Result, error) {
	found, err := s.count(ctx, req.Route.DestinationBucket, req.Route.DestinationPrefix)
	if err != nil {
		return nil, err
	}

	expected := len(req.Inventory)
	s.logger.Info("Count verification",
		zap.String("execution_id", req.ExecutionID),
		zap.Int("expected", expected),
		zap.Int64("found", found),
	)

	sampleSize := max(min(req.SampleSize, expected), 0)
	result := &Result{
		TotalExpected:     expected,
		TotalFound:        found,
		SamplesChecked:    sampleSize,
		Failures:          []Failure{},
		ExecutionID:       req.ExecutionID,
		DestinationBucket: req.Route.DestinationBucket,
	}

	for _, idx := range s.sample(expected, sampleSize) {
		if err := ctx.Err(); err != nil {
			return nil, transfererr.Classify(err, "validate")
		}

		entry := req.Inventory[idx]
		if failure, ok := s.probe(ctx, req.Route, entry); ok {
			result.SamplesPassed++
		} else {
			result.Failures = append(result.Failures, failure)
		}
	}

	result.Status = StatusFailed
	if found >= int64(expected) && len(result.Failures) == 0 {
		result.Status = StatusPassed
	}

	s.logger.Info("Validation finished",
		zap.String("execution_id", req.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.Int("samples_checked", result.SamplesChecked),
		zap.Int("samples_passed", result.SamplesPassed),
		zap.Int("failures", len(result.Failures)),
	)
	return result, nil
}

// count sums the key counts reported by every listing page
func (s *Sampler) count(ctx context.Context, bucket, prefix string) (int64, error) {
	return retry.Execute(ctx, s.retrier, s.Policy, "list_objects_v2", func(ctx context.Context) (int64, error) {
		var total int64
		err := s.client.ListPages(ctx, bucket, prefix, func(page storage.Page) error {
			total += page.KeyCount
			return nil
		})
		if err != nil {
			return 0, transfererr.Classify(err, "list_objects_v2").
				WithDetail("bucket", bucket).
				WithDetail("prefix", prefix)
		}
		return total, nil
	})
}

// probe checks one sampled entry and reports whether it passed
func (s *Sampler) probe(ctx context.Context, route manifest.Route, entry manifest.Entry) (Failure, bool) {
	destKey := route.DestinationKey(entry.Key)

	info, err := retry.Execute(ctx, s.retrier, s.Policy, "head_object", func(ctx context.Context) (storage.ObjectInfo, error) {
		info, err := s.client.HeadObject(ctx, route.DestinationBucket, destKey)
		if err != nil {
			return storage.ObjectInfo{}, transfererr.Classify(err, "head_object").WithDetail("dest_key", destKey)
		}
		return info, nil
	})

	var failure Failure
	switch {
	case err != nil:
		failure = Failure{
			Key:          destKey,
			ExpectedSize: entry.Size,
			Reason:       fmt.Sprintf("%s: %v", reasonHeadFailed, err),
		}
	case info.Size != entry.Size:
		actual := info.Size
		failure = Failure{
			Key:          destKey,
			ExpectedSize: entry.Size,
			ActualSize:   &actual,
			Reason:       ReasonSizeMismatch,
		}
	default:
		s.observe(true)
		return Failure{}, true
	}

	s.logger.Warn("Sample check failed",
		zap.String("dest_key", destKey),
		zap.Int64("expected_size", entry.Size),
		zap.String("reason", failure.Reason),
	)
	s.observe(false)
	return failure, false
}

func (s *Sampler) observe(passed bool) {
	if s.OnSample != nil {
		s.OnSample(passed)
	}
}

// sample draws k distinct indices from [0, n) with a partial Fisher-Yates shuffle
func (s *Sampler) sample(n, k int) []int {
	if k <= 0 || n <= 0 {
		return nil
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + s.intN(n-i)
		indices[i], indices[j] = indices[j], indices[i]
	}
	return indices[:k]
}

func (s *Sampler) intN(n int) int {
	if s.Rand != nil {
		return s.Rand.IntN(n)
	}
	return rand.IntN(n)
}
