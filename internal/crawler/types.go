// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values recorded in crawl history and seen-job entries.
const (
	JobStatusFetched   JobStatus = "fetched"
	JobStatusPending   JobStatus = "pending_approval"
	JobStatusActive    JobStatus = "active"
	JobStatusSucceeded JobStatus = "ok"
	JobStatusFailed    JobStatus = "error"
	JobStatusSkipped   JobStatus = "skipped"
)

// Job is a unit of crawl work issued by the feed. It names a target URL
// and the run that originated it, and is consumed once per lifecycle pass.
type Job struct {
	JobID string `json:"jobId"`
	URL   string `json:"url"`
	RunID string `json:"run_id"`
}

// DomainTrustRecord tracks automation permission for one domain. Once
// Allowed flips to true it stays true until explicit removal or denial.
type DomainTrustRecord struct {
	Domain       string    `json:"domain"`
	Allowed      bool      `json:"allowed"`
	AddedAt      time.Time `json:"addedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	AutoApproved bool      `json:"autoApproved"`
}

// PendingDomainJob is a job deferred behind an unapproved domain.
type PendingDomainJob struct {
	JobID   string    `json:"jobId"`
	RunID   string    `json:"runId"`
	AddedAt time.Time `json:"addedAt"`
}

// ScriptRecord holds the per-domain customization delivered by the feed:
// an optional readiness condition, an injected script, and wait timings
// applied around script execution. Keyed by normalized domain.
type ScriptRecord struct {
	Domain       string `json:"domain"`
	Hash         string `json:"hash"`
	Script       string `json:"script"`
	Condition    string `json:"condition"`
	WaitBeforeMs int    `json:"waitBeforeMs"`
	WaitAfterMs  int    `json:"waitAfterMs"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

// ActiveJobEntry marks in-flight work. Accessors evict entries older than
// the active TTL so a crash mid-job cannot wedge a job id forever.
type ActiveJobEntry struct {
	JobID string    `json:"jobId"`
	TS    time.Time `json:"ts"`
}

// SeenJobStatus classifies a seen-job entry.
type SeenJobStatus string

// Seen-job status values.
const (
	SeenClaimed SeenJobStatus = "claimed"
	SeenError   SeenJobStatus = "error"
)

// SeenJobEntry records a recently processed job id. Error entries drive the
// reprocessing cooldown; stale entries are pruned on read.
type SeenJobEntry struct {
	JobID  string        `json:"jobId"`
	Status SeenJobStatus `json:"status"`
	TS     time.Time     `json:"ts"`
}

// CrawlHistoryEntry is one row of the bounded crawl history ring.
type CrawlHistoryEntry struct {
	Kind        string           `json:"kind"`
	URL         string           `json:"url"`
	Domain      string           `json:"domain"`
	TS          time.Time        `json:"ts"`
	Phases      map[string]int64 `json:"phases,omitempty"`
	Status      JobStatus        `json:"status"`
	Error       string           `json:"error,omitempty"`
	Size        int              `json:"size,omitempty"`
	ContentHash string           `json:"contentHash,omitempty"`
	Redirected  bool             `json:"redirected,omitempty"`
	RedirectURL string           `json:"redirectUrl,omitempty"`
}

// LiveStatus is the single current worker snapshot, overwritten in place.
type LiveStatus struct {
	Mode   string    `json:"mode"`
	JobID  string    `json:"jobId,omitempty"`
	URL    string    `json:"url"`
	Domain string    `json:"domain"`
	Phase  string    `json:"phase"`
	TS     time.Time `json:"ts"`
}

// LogEntry is one row shipped to the feed's run-scoped log sink.
type LogEntry struct {
	Source  string         `json:"source"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}
