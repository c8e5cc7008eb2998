package recovery

import (
	"math"
	"time"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// RetryStrategy defines how retries should be handled.
type RetryStrategy interface {
	// GetDelay returns the delay before retry number attempt (0-indexed).
	GetDelay(attempt int) time.Duration

	// ShouldRetry checks if we should retry after attempts tries have failed with err.
	ShouldRetry(err error, attempts int) bool
}

// ExponentialBackoff implements a standard backoff strategy.
// MaxAttempts counts every try including the first.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Classifier   Classifier
}

// DefaultBackoff returns defaults for submissions against a test endpoint.
// 500ms, 1s (3 attempts, max 10s)
func DefaultBackoff(classifier Classifier) *ExponentialBackoff {
	if classifier == nil {
		classifier = Classify
	}
	return &ExponentialBackoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxAttempts:  3,
		Classifier:   classifier,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry checks if error is transient and max attempts not exceeded.
func (s *ExponentialBackoff) ShouldRetry(err error, attempts int) bool {
	if err == nil || attempts >= s.MaxAttempts {
		return false
	}

	classify := s.Classifier
	if classify == nil {
		classify = Classify
	}
	return classify(err) == domain.CategoryTransient
}
