package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors for the per-job failure taxonomy. Every job error is
// caught at the orchestrator boundary and converted into a failure report;
// none of these halt the poll loop.
var (
	// ErrEmptyContent marks extraction that produced no content at all.
	ErrEmptyContent = errors.New("extracted content is empty")
	// ErrConditionTimeout marks a readiness condition that never satisfied.
	ErrConditionTimeout = errors.New("readiness condition not satisfied")
	// ErrDomainNotApproved marks a locally-initiated request deferred
	// behind the trust gate. Feed-sourced jobs never hit this.
	ErrDomainNotApproved = errors.New("domain not approved for automation")
	// ErrPDFContent marks a detected PDF target, a deliberate skip.
	ErrPDFContent = errors.New("target is a pdf document")
)

// PermanentSubmitError is raised when every result-submit attempt failed.
// It carries the last attempt's error and the attempt count.
type PermanentSubmitError struct {
	JobID    string
	Attempts int
	Last     error
}

func (e *PermanentSubmitError) Error() string {
	return fmt.Sprintf("result submit for job %s failed permanently after %d attempts: %v", e.JobID, e.Attempts, e.Last)
}

func (e *PermanentSubmitError) Unwrap() error {
	return e.Last
}
