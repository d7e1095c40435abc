// Package redirect classifies whether a thin page is a real redirect or
// interstitial versus one that is merely slow to render.
package redirect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/page"
)

// Resolution reasons reported in Result.Reason.
const (
	ReasonSufficientContent = "sufficient_content"
	ReasonURLChanged        = "url_changed"
	ReasonNavCompleted      = "navigation_completed"
	ReasonNavError          = "navigation_error"
	ReasonContentIncreased  = "content_increased"
	ReasonTimeout           = "timeout"
	ReasonTabClosed         = "tab_closed"
)

// Config tunes the detector.
type Config struct {
	// MinTextLength is the body size that counts as a rendered page.
	MinTextLength int
	// MaxWait bounds the monitoring phase.
	MaxWait time.Duration
	// PollInterval spaces the content-length probes.
	PollInterval time.Duration
	// SettleDelay is the pause applied after a redirect signal, letting
	// the new page begin rendering before the caller acts on it.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinTextLength <= 0 {
		c.MinTextLength = 3000
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	return c
}

// Result is the detector's classification.
type Result struct {
	RedirectOccurred  bool
	Reason            string
	WaitedMs          int64
	InitialTextLength int
	FinalTextLength   int
	RedirectURL       string
	Err               error
}

// Detector races navigation signals against a content poll with
// first-settled-wins semantics. Stateless; safe to share.
type Detector struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Detector.
func New(cfg Config, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg.withDefaults(), logger: logger}
}

// Detect measures the page, then monitors for the first navigation signal,
// content-growth crossing, deadline, or close. All listeners and timers
// are torn down on every exit path.
func (d *Detector) Detect(ctx context.Context, s page.Session) Result {
	start := time.Now()

	initial, err := s.BodyTextLength(ctx)
	if err != nil {
		d.logger.Debug("initial text measure failed", zap.Error(err))
	}
	if initial >= d.cfg.MinTextLength {
		return Result{
			Reason:            ReasonSufficientContent,
			WaitedMs:          0,
			InitialTextLength: initial,
			FinalTextLength:   initial,
		}
	}

	events, unsubscribe := s.Events(
		page.EventURLChanged,
		page.EventNavCompleted,
		page.EventNavError,
		page.EventClosed,
	)
	defer unsubscribe()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(d.cfg.MaxWait)
	defer deadline.Stop()

	finish := func(r Result) Result {
		r.InitialTextLength = initial
		r.WaitedMs = time.Since(start).Milliseconds()
		return r
	}

	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case page.EventURLChanged:
				d.settle(ctx)
				return finish(Result{RedirectOccurred: true, Reason: ReasonURLChanged, RedirectURL: evt.URL})
			case page.EventNavCompleted:
				d.settle(ctx)
				return finish(Result{RedirectOccurred: true, Reason: ReasonNavCompleted})
			case page.EventNavError:
				return finish(Result{Reason: ReasonNavError, Err: evt.Err})
			case page.EventClosed:
				return finish(Result{Reason: ReasonTabClosed})
			}

		case <-ticker.C:
			length, err := s.BodyTextLength(ctx)
			if err != nil {
				continue
			}
			if length >= d.cfg.MinTextLength {
				return finish(Result{Reason: ReasonContentIncreased, FinalTextLength: length})
			}

		case <-deadline.C:
			return finish(Result{Reason: ReasonTimeout})

		case <-ctx.Done():
			return finish(Result{Reason: ReasonTimeout, Err: ctx.Err()})
		}
	}
}

func (d *Detector) settle(ctx context.Context) {
	timer := time.NewTimer(d.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
