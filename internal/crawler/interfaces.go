package crawler

import (
	"context"
	"time"
)

// FeedClient talks to the remote job feed.
type FeedClient interface {
	// FetchJobs claims up to limit jobs in one batch call. The query carries
	// either the script-cache etag or the since marker, per sync state.
	FetchJobs(ctx context.Context, q JobQuery) (JobBatch, error)
	// SubmitResult posts extracted content for a completed job.
	SubmitResult(ctx context.Context, jobID string, html string) error
	// ReportFailure posts a best-effort failure note; never retried.
	ReportFailure(ctx context.Context, jobID string, errText string) error
	// ResetJob returns a deferred job to the claimable pool.
	ResetJob(ctx context.Context, jobID string) error
	// AppendLogs ships a telemetry batch to the run's log sink.
	AppendLogs(ctx context.Context, runID string, entries []LogEntry) error
}

// JobQuery shapes one poll of the feed.
type JobQuery struct {
	Limit          int
	MaxClaimAgeSec int
	Since          string
	ScriptsEtag    string
	Mode           string
	IncludeScripts bool
}

// JobBatch is the feed's answer to a poll: claimed jobs plus any script
// deltas newer than the query's sync marker.
type JobBatch struct {
	Jobs        []Job          `json:"jobs"`
	Scripts     []ScriptRecord `json:"scripts"`
	ScriptsEtag string         `json:"scriptsEtag"`
}

// TrustGate decides whether automation may act against a domain.
type TrustGate interface {
	IsAllowed(domain string) bool
	RegisterPending(ctx context.Context, domain, jobID, runID string)
	AutoApprove(ctx context.Context, domain string) error
	Approve(ctx context.Context, domain string) error
	Deny(ctx context.Context, domain string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces worker-scoped IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests for recorded content.
type Hasher interface {
	Hash(data []byte) (string, error)
}
