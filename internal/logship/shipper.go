// Package logship batches worker telemetry and ships it to the feed's
// run-scoped log sink. It never blocks emitters and never loses more than
// the oldest entries under backpressure.
package logship

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/crawler"
)

// LogAppender is the slice of the feed the shipper needs.
type LogAppender interface {
	AppendLogs(ctx context.Context, runID string, entries []crawler.LogEntry) error
}

// Config controls buffering and batching.
//   - MaxBatch: entries per flush call (default 20).
//   - FlushInterval: cadence of the background flusher (default 3s).
//   - BufferCap: retained entries; overflow drops the oldest (default 100).
//   - FlushTimeout: per-flush call budget (default 10s).
type Config struct {
	MaxBatch      int
	FlushInterval time.Duration
	BufferCap     int
	FlushTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 || c.MaxBatch > 20 {
		c.MaxBatch = 20
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 3 * time.Second
	}
	if c.BufferCap <= 0 {
		c.BufferCap = 100
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
	return c
}

type queued struct {
	runID string
	entry crawler.LogEntry
}

// Shipper accumulates entries and flushes them in run-grouped batches on a
// timer. Safe for concurrent use; Emit never blocks.
type Shipper struct {
	cfg    Config
	feed   LogAppender
	logger *zap.Logger

	mu      sync.Mutex
	buffer  []queued
	dropped int64

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New starts a Shipper with a background flusher.
func New(feed LogAppender, cfg Config, logger *zap.Logger) *Shipper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Shipper{
		cfg:    cfg.withDefaults(),
		feed:   feed,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit queues one entry for shipping. When the buffer is full the oldest
// entry is dropped to make room.
func (s *Shipper) Emit(runID string, entry crawler.LogEntry) {
	if s == nil || runID == "" {
		return
	}
	s.mu.Lock()
	if len(s.buffer) >= s.cfg.BufferCap {
		drop := len(s.buffer) - s.cfg.BufferCap + 1
		s.buffer = s.buffer[drop:]
		s.dropped += int64(drop)
	}
	s.buffer = append(s.buffer, queued{runID: runID, entry: entry})
	s.mu.Unlock()
}

// Close flushes whatever remains and stops the background flusher.
func (s *Shipper) Close(ctx context.Context) {
	s.once.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
	case <-ctx.Done():
	}
}

func (s *Shipper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// flush drains the buffer in batches of at most MaxBatch, grouped by run.
func (s *Shipper) flush() {
	for {
		batchRun, batch := s.takeBatch()
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		err := s.feed.AppendLogs(ctx, batchRun, batch)
		cancel()
		if err != nil {
			// Shipping is best-effort; the batch is gone either way.
			s.logger.Warn("log batch ship failed",
				zap.String("run_id", batchRun),
				zap.Int("entries", len(batch)),
				zap.Error(err),
			)
			return
		}
	}
}

// takeBatch removes the longest leading run of same-run entries, capped at
// MaxBatch, and reports drop accounting.
func (s *Shipper) takeBatch() (string, []crawler.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		s.logger.Warn("log entries dropped due to backpressure", zap.Int64("dropped", s.dropped))
		s.dropped = 0
	}
	if len(s.buffer) == 0 {
		return "", nil
	}

	runID := s.buffer[0].runID
	n := 0
	for n < len(s.buffer) && n < s.cfg.MaxBatch && s.buffer[n].runID == runID {
		n++
	}
	batch := make([]crawler.LogEntry, n)
	for i := 0; i < n; i++ {
		batch[i] = s.buffer[i].entry
	}
	s.buffer = append([]queued(nil), s.buffer[n:]...)
	return runID, batch
}

// Pending reports the buffered entry count, for tests and diagnostics.
func (s *Shipper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
