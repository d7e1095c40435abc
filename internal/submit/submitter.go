// Package submit posts job results to the feed with bounded retries.
package submit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/crawler"
	"github.com/crawlfeed/worker/internal/telemetry"
)

// ResultPoster is the slice of the feed the submitter needs.
type ResultPoster interface {
	SubmitResult(ctx context.Context, jobID string, html string) error
}

// Config controls retry behavior.
type Config struct {
	// MaxAttempts caps the total tries (default 3).
	MaxAttempts int
	// AttemptTimeout bounds each individual POST (default 30s).
	AttemptTimeout time.Duration
	// BackoffStep scales linearly with the attempt number (default 500ms).
	BackoffStep time.Duration
	// BackoffCap bounds a single backoff delay (default 5s).
	BackoffCap time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
	return c
}

// Submitter retries result posts until success or attempt exhaustion.
type Submitter struct {
	feed   ResultPoster
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// New constructs a Submitter.
func New(feed ResultPoster, cfg Config, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		feed:   feed,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Submit posts content for jobID. Exhausting every attempt returns a
// *crawler.PermanentSubmitError carrying the last attempt's error.
func (s *Submitter) Submit(ctx context.Context, jobID string, content string) error {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		telemetry.ObserveSubmitAttempt()
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		err := s.feed.SubmitResult(attemptCtx, jobID, content)
		cancel()
		if err == nil {
			if attempt > 1 {
				s.logger.Info("result submitted after retry",
					zap.String("job_id", jobID),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}
		lastErr = err
		s.logger.Warn("result submit attempt failed",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < s.cfg.MaxAttempts {
			s.sleep(ctx, s.backoff(attempt))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return &crawler.PermanentSubmitError{JobID: jobID, Attempts: attempts, Last: lastErr}
}

// backoff grows linearly with the completed attempt count, capped.
func (s *Submitter) backoff(attempt int) time.Duration {
	delay := time.Duration(attempt) * s.cfg.BackoffStep
	if delay > s.cfg.BackoffCap {
		delay = s.cfg.BackoffCap
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
