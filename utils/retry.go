package utils

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	BackoffType   BackoffType
	// Jitter as a fraction of the computed delay (0.0-1.0)
	JitterFactor float64
	// Codes that end the retry loop immediately
	NonRetryable []ErrorCode
}

// BackoffType defines different backoff algorithms
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"       // delay = base
	BackoffLinear      BackoffType = "linear"      // delay = attempt * base
	BackoffExponential BackoffType = "exponential" // delay = base * factor^(attempt-1)
)

// AdminFetchRetryConfig is used for admin data loads: three attempts one
// second apart, giving up at once on auth failures.
func AdminFetchRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
		BackoffType:  BackoffFixed,
		NonRetryable: []ErrorCode{
			ErrCodeAuth, ErrCodeMissingPassword, ErrCodeTaskNotFound,
			ErrCodeInvalidPayload, ErrCodeRateLimited,
		},
	}
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		BackoffType:   BackoffExponential,
		JitterFactor:  0.1,
		NonRetryable:  []ErrorCode{ErrCodeAuth, ErrCodeTaskNotFound},
	}
}

type RetryService struct {
	config *RetryConfig
	logger *Logger
}

func NewRetryService(logger *Logger) *RetryService {
	return &RetryService{
		config: DefaultRetryConfig(),
		logger: logger,
	}
}

func (rs *RetryService) WithConfig(config *RetryConfig) *RetryService {
	rs.config = config
	return rs
}

func (rs *RetryService) Config() *RetryConfig {
	return rs.config
}

func (rs *RetryService) Execute(ctx context.Context, operation func() error, description string) error {
	return rs.ExecuteWithCallback(ctx, operation, description, nil)
}

func (rs *RetryService) ExecuteWithCallback(ctx context.Context, operation func() error, description string, onRetry func(attempt int, err error)) error {
	var lastErr error

	for attempt := 1; attempt <= rs.config.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 1 {
				rs.logger.WithField("attempt", attempt).
					WithField("operation", description).
					Info("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !rs.isRetryable(err) {
			rs.logger.WithField("error", err.Error()).
				WithField("operation", description).
				Debug("Non-retryable error encountered")
			return err
		}

		if attempt == rs.config.MaxAttempts {
			rs.logger.WithField("attempt", attempt).
				WithField("error", err.Error()).
				WithField("operation", description).
				Error("Maximum retry attempts reached")
			break
		}

		delay := rs.calculateDelay(attempt)

		rs.logger.WithField("attempt", attempt).
			WithField("error", err.Error()).
			WithField("delay", delay).
			WithField("backoff_type", rs.config.BackoffType).
			WithField("operation", description).
			Warn("Operation failed, retrying")

		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", description, rs.config.MaxAttempts, lastErr)
}

func (rs *RetryService) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	for _, code := range rs.config.NonRetryable {
		if apiErr.Code == code {
			return false
		}
	}
	return true
}

func (rs *RetryService) calculateDelay(attempt int) time.Duration {
	base := rs.config.InitialDelay
	var delay time.Duration

	switch rs.config.BackoffType {
	case BackoffLinear:
		delay = time.Duration(attempt) * base
	case BackoffExponential:
		factor := rs.config.BackoffFactor
		if factor <= 1 {
			factor = 2
		}
		delay = time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
	default:
		delay = base
	}

	if rs.config.MaxDelay > 0 && delay > rs.config.MaxDelay {
		delay = rs.config.MaxDelay
	}

	if rs.config.JitterFactor > 0 {
		jitter := float64(delay) * rs.config.JitterFactor * (rand.Float64()*2 - 1)
		delay += time.Duration(jitter)
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}
