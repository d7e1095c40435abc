package page

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/telemetry"
)

const (
	minPollInterval = 200 * time.Millisecond

	extractAttempts       = 3
	extractAttemptBackoff = 500 * time.Millisecond

	// DefaultExtractTimeout bounds the whole extraction step.
	DefaultExtractTimeout = 200 * time.Second
)

// Controller is the façade the orchestrator drives sessions through. It
// owns the timeout/retry/fallback discipline so callers see simple calls.
type Controller struct {
	tiers  []Isolation
	logger *zap.Logger
}

// NewController constructs a Controller with the standard tier order:
// page context first, extension context on failure.
func NewController(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		tiers:  []Isolation{IsolationPage, IsolationExtension},
		logger: logger,
	}
}

// WaitForLoad blocks until the session reports load-complete or the
// timeout passes. Timeout is non-fatal: the flow proceeds regardless, so
// the return value is informational.
func (c *Controller) WaitForLoad(ctx context.Context, s Session, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.LoadComplete():
		return true
	case <-timer.C:
		c.logger.Debug("load wait timed out, proceeding", zap.Duration("timeout", timeout))
		return false
	case <-ctx.Done():
		return false
	}
}

// Evaluate runs code in the page tier, swallowing every execution error
// into a zero result. Nothing here ever propagates a script failure.
func (c *Controller) Evaluate(ctx context.Context, s Session, code string) any {
	value, err := s.Evaluate(ctx, code, IsolationPage)
	if err != nil {
		c.logger.Debug("evaluate failed", zap.Error(err))
		return nil
	}
	return value
}

// PollCondition repeatedly evaluates code until it returns truthy or the
// budget runs out. The interval is clamped to a 200ms floor.
func (c *Controller) PollCondition(ctx context.Context, s Session, code string, maxWait, interval time.Duration) bool {
	if interval < minPollInterval {
		interval = minPollInterval
	}
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if truthy(c.Evaluate(ctx, s, code)) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// RunScript executes a domain customization script, trying each isolation
// tier in order until one succeeds. Execution is fire-and-forget: the
// outcome is logged and a failing script never fails the job.
func (c *Controller) RunScript(ctx context.Context, s Session, code, domainLabel string) {
	for _, tier := range c.tiers {
		_, err := s.Evaluate(ctx, code, tier)
		if err == nil {
			c.logger.Info("domain script executed",
				zap.String("domain", domainLabel),
				zap.String("tier", string(tier)),
			)
			return
		}
		c.logger.Debug("domain script tier failed",
			zap.String("domain", domainLabel),
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
	}
	c.logger.Warn("domain script failed in all tiers", zap.String("domain", domainLabel))
}

// ExtractContent returns the page's serialized content. The content-agent
// channel is tried first with a few attempts while the agent installs
// itself; direct DOM serialization is the fallback when the channel fails
// or the budget expires. Returns empty string when both paths fail — the
// caller treats empty as a hard error.
func (c *Controller) ExtractContent(ctx context.Context, s Session, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for attempt := 1; attempt <= extractAttempts; attempt++ {
		content, err := s.RequestContent(ctx)
		if err == nil && content != "" {
			return content
		}
		if err != nil && err != ErrAgentNotReady {
			c.logger.Debug("content agent channel failed", zap.Error(err))
			break
		}
		if attempt < extractAttempts {
			backoff := time.Duration(attempt) * extractAttemptBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return c.fallbackExtract(ctx, s)
			}
		}
	}
	return c.fallbackExtract(ctx, s)
}

func (c *Controller) fallbackExtract(ctx context.Context, s Session) string {
	telemetry.ObserveExtractFallback()
	// The fallback still runs after the extraction budget expires; give it
	// a short grace window of its own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	html, err := s.OuterHTML(ctx)
	if err != nil {
		c.logger.Warn("dom serialization fallback failed", zap.Error(err))
		return ""
	}
	return html
}

// truthy applies loose JS-style truthiness to an evaluate result.
func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case float64:
		return value != 0
	case int:
		return value != 0
	default:
		return true
	}
}
