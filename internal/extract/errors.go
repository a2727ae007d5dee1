package extract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/joelkehle/labextract/internal/quality"
)

var (
	// ErrQualityRejected means the image failed the quality gate and no
	// extraction call was made.
	ErrQualityRejected = errors.New("image quality rejected")
	// ErrExtractionFailed covers every failure after the gate: the vision
	// call, an empty result, or a non-report document.
	ErrExtractionFailed = errors.New("extraction failed")
	ErrNotLabReport     = errors.New("not a medical lab report")
	// ErrRateLimited marks a model call the provider refused for rate.
	ErrRateLimited      = errors.New("rate limited")
	errEmptyExtraction  = errors.New("vision extraction returned no tests")
)

type QualityRejectedError struct {
	Assessment quality.Assessment
}

func (e *QualityRejectedError) Error() string {
	reason := e.Assessment.Recommendation
	if len(e.Assessment.Issues) > 0 {
		reason = e.Assessment.Issues[0]
	}
	return fmt.Sprintf("%v: score=%.2f: %s", ErrQualityRejected, e.Assessment.Score, reason)
}

func (e *QualityRejectedError) Unwrap() error { return ErrQualityRejected }

type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is makes every stage failure match ErrExtractionFailed.
func (e *StageError) Is(target error) bool { return target == ErrExtractionFailed }

type failureClass int

const (
	failureNone failureClass = iota
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

func classifyTransportError(err error) failureClass {
	if err == nil {
		return failureNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return failureRateLimit
		case apiErr.StatusCode >= 500:
			return failureServer
		case apiErr.StatusCode >= 400:
			return failureClient
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		return failureRateLimit
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

// RateLimitError wraps a model call refused for rate. Reported is set once
// the refusal has been counted against a limiter.
type RateLimitError struct {
	Err      error
	Reported bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRateLimited, e.Err)
}

func (e *RateLimitError) Unwrap() []error { return []error{ErrRateLimited, e.Err} }

// markRateLimit wraps a transport error from a model call when it carries a
// 429 or rate-limit signal. Only errors returned by the model call itself
// may go through here.
func markRateLimit(err error) error {
	if err == nil || errors.Is(err, ErrRateLimited) {
		return err
	}
	if classifyTransportError(err) != failureRateLimit {
		return err
	}
	return &RateLimitError{Err: err}
}

// IsRateLimited reports whether err is a rate-limit refusal from a model
// call. Errors from loading or decoding a document never match, whatever
// their text.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// UnreportedRateLimit is IsRateLimited minus the refusals already counted
// against a limiter.
func UnreportedRateLimit(err error) bool {
	if !IsRateLimited(err) {
		return false
	}
	var rle *RateLimitError
	return !errors.As(err, &rle) || !rle.Reported
}
