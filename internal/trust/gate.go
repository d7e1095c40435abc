// Package trust implements the per-domain automation permission gate.
package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/crawler"
	"github.com/crawlfeed/worker/internal/store"
)

const (
	recordKeyPrefix  = "trust/record/"
	pendingKeyPrefix = "trust/pending/"
)

// Resetter is the slice of the feed the gate needs: returning a deferred
// job to the claimable pool once its domain becomes allowed.
type Resetter interface {
	ResetJob(ctx context.Context, jobID string) error
}

// Gate tracks trust records and pending jobs per domain, persisted through
// the KV store. All methods normalize the domain argument. Safe for
// concurrent use.
type Gate struct {
	mu     sync.Mutex
	kv     store.KV
	feed   Resetter
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Gate.
func New(kv store.KV, feed Resetter, clock crawler.Clock, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{kv: kv, feed: feed, clock: clock, logger: logger}
}

// IsAllowed reports whether automation may act against domain.
func (g *Gate) IsAllowed(domain string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	record, err := g.load(context.Background(), crawler.NormalizeDomain(domain))
	if err != nil {
		return false
	}
	return record.Allowed
}

// RegisterPending records a not-yet-approved domain sighting. A record is
// created on first sight, otherwise its LastSeenAt refreshes. When jobID is
// given and not already queued, the job joins the domain's pending list.
func (g *Gate) RegisterPending(ctx context.Context, domain, jobID, runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := crawler.NormalizeDomain(domain)
	now := g.clock.Now()

	record, err := g.load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		record = crawler.DomainTrustRecord{Domain: key, AddedAt: now}
	} else if err != nil {
		g.logger.Warn("trust record read failed", zap.String("domain", key), zap.Error(err))
		return
	}
	record.LastSeenAt = now
	if err := g.save(ctx, record); err != nil {
		g.logger.Warn("trust record write failed", zap.String("domain", key), zap.Error(err))
		return
	}

	if jobID == "" {
		return
	}
	pending := g.loadPending(ctx, key)
	for _, entry := range pending {
		if entry.JobID == jobID {
			return
		}
	}
	pending = append(pending, crawler.PendingDomainJob{JobID: jobID, RunID: runID, AddedAt: now})
	if err := store.SetJSON(ctx, g.kv, pendingKeyPrefix+key, pending); err != nil {
		g.logger.Warn("pending list write failed", zap.String("domain", key), zap.Error(err))
	}
}

// AutoApprove unconditionally allows domain. Jobs returned by the
// authenticated feed are implicitly trusted, so the worker does not
// re-challenge trust per domain.
func (g *Gate) AutoApprove(ctx context.Context, domain string) error {
	return g.allow(ctx, domain, true)
}

// Approve allows domain following an explicit local decision.
func (g *Gate) Approve(ctx context.Context, domain string) error {
	return g.allow(ctx, domain, false)
}

func (g *Gate) allow(ctx context.Context, domain string, auto bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := crawler.NormalizeDomain(domain)
	now := g.clock.Now()

	record, err := g.load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		record = crawler.DomainTrustRecord{Domain: key, AddedAt: now}
	} else if err != nil {
		return fmt.Errorf("load trust record for %s: %w", key, err)
	}

	transitioned := !record.Allowed
	record.Allowed = true
	record.AutoApproved = auto
	record.LastSeenAt = now
	if err := g.save(ctx, record); err != nil {
		return fmt.Errorf("save trust record for %s: %w", key, err)
	}

	if transitioned {
		g.drainPending(ctx, key)
	}
	return nil
}

// Deny clears the allowed flag and any queued jobs for domain. This is the
// only path that resets an allowed domain.
func (g *Gate) Deny(ctx context.Context, domain string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := crawler.NormalizeDomain(domain)
	record, err := g.load(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load trust record for %s: %w", key, err)
	}
	record.Allowed = false
	record.AutoApproved = false
	record.LastSeenAt = g.clock.Now()
	if err := g.save(ctx, record); err != nil {
		return fmt.Errorf("save trust record for %s: %w", key, err)
	}
	if err := g.kv.Delete(ctx, pendingKeyPrefix+key); err != nil {
		g.logger.Warn("pending list clear failed", zap.String("domain", key), zap.Error(err))
	}
	return nil
}

// drainPending issues a reset per queued job, then clears the list. Resets
// are best-effort: failures are logged and the job is dropped from the
// queue regardless, the feed will re-issue it on a later poll.
func (g *Gate) drainPending(ctx context.Context, key string) {
	pending := g.loadPending(ctx, key)
	for _, entry := range pending {
		if g.feed == nil {
			break
		}
		if err := g.feed.ResetJob(ctx, entry.JobID); err != nil {
			g.logger.Warn("deferred job reset failed",
				zap.String("domain", key),
				zap.String("job_id", entry.JobID),
				zap.Error(err),
			)
		} else {
			g.logger.Info("deferred job returned to pool",
				zap.String("domain", key),
				zap.String("job_id", entry.JobID),
			)
		}
	}
	if len(pending) > 0 {
		if err := g.kv.Delete(ctx, pendingKeyPrefix+key); err != nil {
			g.logger.Warn("pending list clear failed", zap.String("domain", key), zap.Error(err))
		}
	}
}

// PendingJobs returns the queued jobs for domain, for inspection.
func (g *Gate) PendingJobs(ctx context.Context, domain string) []crawler.PendingDomainJob {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loadPending(ctx, crawler.NormalizeDomain(domain))
}

func (g *Gate) load(ctx context.Context, key string) (crawler.DomainTrustRecord, error) {
	var record crawler.DomainTrustRecord
	if err := store.GetJSON(ctx, g.kv, recordKeyPrefix+key, &record); err != nil {
		return crawler.DomainTrustRecord{}, err
	}
	return record, nil
}

func (g *Gate) save(ctx context.Context, record crawler.DomainTrustRecord) error {
	return store.SetJSON(ctx, g.kv, recordKeyPrefix+record.Domain, record)
}

func (g *Gate) loadPending(ctx context.Context, key string) []crawler.PendingDomainJob {
	var pending []crawler.PendingDomainJob
	if err := store.GetJSON(ctx, g.kv, pendingKeyPrefix+key, &pending); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("pending list read failed", zap.String("domain", key), zap.Error(err))
	}
	return pending
}
