// Package state provides typed accessors over the KV store for the
// worker's crash-tolerant job bookkeeping.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/crawler"
	"github.com/crawlfeed/worker/internal/store"
)

const (
	activeKey  = "state/active"
	seenKey    = "state/seen"
	historyKey = "state/history"
	liveKey    = "state/live"

	// ActiveTTL is the crash-recovery window: active entries older than
	// this are evicted by the accessor itself.
	ActiveTTL = 5 * time.Minute
	// ErrorCooldown suppresses reprocessing of a recently failed job.
	ErrorCooldown = 2 * time.Minute
	// SeenRetention bounds how long seen entries survive at all.
	SeenRetention = 24 * time.Hour
	// HistoryCap bounds the crawl history ring.
	HistoryCap = 100
)

// Tracker owns the active/seen/history/live records. Mutation is
// whole-map read-modify-write under one mutex, which keeps overlapping
// poll cycles consistent.
type Tracker struct {
	mu     sync.Mutex
	kv     store.KV
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Tracker.
func New(kv store.KV, clock crawler.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{kv: kv, clock: clock, logger: logger}
}

// IsActive reports whether jobID has a live active entry. Reading evicts
// entries past the TTL, so a crashed run cannot pin a job id.
func (t *Tracker) IsActive(ctx context.Context, jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := t.loadActive(ctx)
	entry, ok := active[jobID]
	if !ok {
		return false
	}
	if t.clock.Now().Sub(entry.TS) > ActiveTTL {
		delete(active, jobID)
		t.saveActive(ctx, active)
		return false
	}
	return true
}

// MarkActive records jobID as in flight. At most one entry per job id
// exists; marking again refreshes the timestamp.
func (t *Tracker) MarkActive(ctx context.Context, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := t.loadActive(ctx)
	active[jobID] = crawler.ActiveJobEntry{JobID: jobID, TS: t.clock.Now()}
	t.saveActive(ctx, active)
}

// ClearActive removes jobID's active entry.
func (t *Tracker) ClearActive(ctx context.Context, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := t.loadActive(ctx)
	if _, ok := active[jobID]; !ok {
		return
	}
	delete(active, jobID)
	t.saveActive(ctx, active)
}

// SeenEntry returns jobID's seen entry, if one survives pruning. Entries
// older than the retention window are dropped on each read.
func (t *Tracker) SeenEntry(ctx context.Context, jobID string) (crawler.SeenJobEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := t.loadSeen(ctx)
	if t.pruneSeen(seen) {
		t.saveSeen(ctx, seen)
	}
	entry, ok := seen[jobID]
	return entry, ok
}

// InErrorCooldown reports whether jobID failed recently enough that it
// must not be reprocessed yet.
func (t *Tracker) InErrorCooldown(ctx context.Context, jobID string) bool {
	entry, ok := t.SeenEntry(ctx, jobID)
	if !ok || entry.Status != crawler.SeenError {
		return false
	}
	return t.clock.Now().Sub(entry.TS) < ErrorCooldown
}

// MarkSeen records a processing outcome for jobID.
func (t *Tracker) MarkSeen(ctx context.Context, jobID string, status crawler.SeenJobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := t.loadSeen(ctx)
	t.pruneSeen(seen)
	seen[jobID] = crawler.SeenJobEntry{JobID: jobID, Status: status, TS: t.clock.Now()}
	t.saveSeen(ctx, seen)
}

// ClearSeen removes jobID's seen entry.
func (t *Tracker) ClearSeen(ctx context.Context, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := t.loadSeen(ctx)
	if _, ok := seen[jobID]; !ok {
		return
	}
	delete(seen, jobID)
	t.saveSeen(ctx, seen)
}

// AppendHistory pushes an entry onto the bounded crawl history ring.
func (t *Tracker) AppendHistory(ctx context.Context, entry crawler.CrawlHistoryEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.loadHistory(ctx)
	history = append(history, entry)
	if len(history) > HistoryCap {
		history = history[len(history)-HistoryCap:]
	}
	if err := store.SetJSON(ctx, t.kv, historyKey, history); err != nil {
		t.logger.Warn("history write failed", zap.Error(err))
	}
}

// History returns the retained entries, oldest first.
func (t *Tracker) History(ctx context.Context) []crawler.CrawlHistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadHistory(ctx)
}

// SetLive overwrites the current status snapshot.
func (t *Tracker) SetLive(ctx context.Context, status crawler.LiveStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status.TS = t.clock.Now()
	if err := store.SetJSON(ctx, t.kv, liveKey, status); err != nil {
		t.logger.Warn("live status write failed", zap.Error(err))
	}
}

// Live returns the current status snapshot.
func (t *Tracker) Live(ctx context.Context) (crawler.LiveStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var status crawler.LiveStatus
	if err := store.GetJSON(ctx, t.kv, liveKey, &status); err != nil {
		return crawler.LiveStatus{}, false
	}
	return status, true
}

func (t *Tracker) pruneSeen(seen map[string]crawler.SeenJobEntry) bool {
	now := t.clock.Now()
	pruned := false
	for jobID, entry := range seen {
		if now.Sub(entry.TS) > SeenRetention {
			delete(seen, jobID)
			pruned = true
		}
	}
	return pruned
}

func (t *Tracker) loadActive(ctx context.Context) map[string]crawler.ActiveJobEntry {
	active := make(map[string]crawler.ActiveJobEntry)
	t.loadMap(ctx, activeKey, &active)
	return active
}

func (t *Tracker) saveActive(ctx context.Context, active map[string]crawler.ActiveJobEntry) {
	if err := store.SetJSON(ctx, t.kv, activeKey, active); err != nil {
		t.logger.Warn("active map write failed", zap.Error(err))
	}
}

func (t *Tracker) loadSeen(ctx context.Context) map[string]crawler.SeenJobEntry {
	seen := make(map[string]crawler.SeenJobEntry)
	t.loadMap(ctx, seenKey, &seen)
	return seen
}

func (t *Tracker) saveSeen(ctx context.Context, seen map[string]crawler.SeenJobEntry) {
	if err := store.SetJSON(ctx, t.kv, seenKey, seen); err != nil {
		t.logger.Warn("seen map write failed", zap.Error(err))
	}
}

func (t *Tracker) loadHistory(ctx context.Context) []crawler.CrawlHistoryEntry {
	var history []crawler.CrawlHistoryEntry
	t.loadMap(ctx, historyKey, &history)
	return history
}

func (t *Tracker) loadMap(ctx context.Context, key string, out any) {
	err := store.GetJSON(ctx, t.kv, key, out)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.logger.Warn("state read failed", zap.String("key", key), zap.Error(err))
	}
}
