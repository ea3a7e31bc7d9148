package transfererr

import (
	"context"
	"errors"
	"strconv"

	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"
)

var transientCodes = map[string]struct{}{
	"SlowDown":                {},
	"Throttling":              {},
	"ThrottlingException":     {},
	"TooManyRequests":         {},
	"RequestLimitExceeded":    {},
	"RequestThrottled":        {},
	"429":                     {},
	"InternalError":           {},
	"ServiceUnavailable":      {},
	"500":                     {},
	"503":                     {},
	"RequestTimeout":          {},
	"RequestTimeoutException": {},
}

var accessDeniedCodes = map[string]struct{}{
	"AccessDenied":          {},
	"AccessDeniedException": {},
	"Forbidden":             {},
	"403":                   {},
}

// Classify maps a remote-call failure for operation op onto the taxonomy.
// Errors that are already classified are returned unchanged.
func Classify(err error, op string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Op: op, Message: err.Error(), Err: err}
	}

	code := remoteCode(err)
	e := &Error{Op: op, Code: code, Message: err.Error(), Err: err}
	if code != "" {
		e.WithDetail("error_code", code)
	}
	if op != "" {
		e.WithDetail("operation", op)
	}

	switch {
	case code == "":
		e.Kind = KindRetryable
	case isAccessDenied(code):
		e.Kind = KindAccessDenied
	case isTransient(code):
		e.Kind = KindRetryable
	default:
		// unknown codes are re-attempted until the budget runs out
		e.Kind = KindRetryable
	}
	return e
}

func isAccessDenied(code string) bool {
	_, ok := accessDeniedCodes[code]
	return ok
}

func isTransient(code string) bool {
	_, ok := transientCodes[code]
	return ok
}

// remoteCode extracts the service error code from AWS SDK and MinIO errors
func remoteCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		if minioErr.Code != "" {
			return minioErr.Code
		}
		if minioErr.StatusCode != 0 {
			return strconv.Itoa(minioErr.StatusCode)
		}
	}
	return ""
}
