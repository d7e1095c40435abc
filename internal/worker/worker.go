// Package worker implements the job lifecycle loop: poll the feed, claim
// a batch, and drive each job through render, detect, customize, extract,
// and submit.
package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/crawler"
	"github.com/crawlfeed/worker/internal/logship"
	"github.com/crawlfeed/worker/internal/page"
	"github.com/crawlfeed/worker/internal/redirect"
	"github.com/crawlfeed/worker/internal/scripts"
	"github.com/crawlfeed/worker/internal/state"
	"github.com/crawlfeed/worker/internal/submit"
	"github.com/crawlfeed/worker/internal/telemetry"
	"github.com/crawlfeed/worker/internal/trust"
)

// Config controls Orchestrator behavior.
type Config struct {
	BatchLimit         int
	MaxClaimAgeSec     int
	LoadTimeout        time.Duration
	ConditionTimeout   time.Duration
	ConditionInterval  time.Duration
	ExtractTimeout     time.Duration
	AutoApproveDomains bool
}

func (c Config) withDefaults() Config {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 5
	}
	if c.MaxClaimAgeSec <= 0 {
		c.MaxClaimAgeSec = 300
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 30 * time.Second
	}
	if c.ConditionTimeout <= 0 {
		c.ConditionTimeout = 60 * time.Second
	}
	if c.ConditionInterval <= 0 {
		c.ConditionInterval = time.Second
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = page.DefaultExtractTimeout
	}
	return c
}

// LogSink receives run-scoped telemetry rows. Satisfied by logship.Shipper.
type LogSink interface {
	Emit(runID string, entry crawler.LogEntry)
}

var _ LogSink = (*logship.Shipper)(nil)

// Orchestrator consumes claimed jobs and executes the crawl lifecycle.
// One poll cycle runs at a time; a cycle that fires while the previous one
// is still working is dropped, not queued.
type Orchestrator struct {
	feed       crawler.FeedClient
	gate       *trust.Gate
	cache      *scripts.Cache
	browser    page.Capability
	controller *page.Controller
	detector   *redirect.Detector
	submitter  *submit.Submitter
	tracker    *state.Tracker
	prober     Prober
	sink       LogSink
	hasher     crawler.Hasher
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger

	pollMu sync.Mutex
}

// New constructs an Orchestrator.
func New(
	feed crawler.FeedClient,
	gate *trust.Gate,
	cache *scripts.Cache,
	browser page.Capability,
	controller *page.Controller,
	detector *redirect.Detector,
	submitter *submit.Submitter,
	tracker *state.Tracker,
	prober Prober,
	sink LogSink,
	hasher crawler.Hasher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		feed:       feed,
		gate:       gate,
		cache:      cache,
		browser:    browser,
		controller: controller,
		detector:   detector,
		submitter:  submitter,
		tracker:    tracker,
		prober:     prober,
		sink:       sink,
		hasher:     hasher,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// PollOnce runs one claim cycle: sync markers, fetch a batch, merge script
// deltas, then process the claimed jobs sequentially. Returns the number of
// jobs processed. If a previous cycle is still running this one is skipped.
func (o *Orchestrator) PollOnce(ctx context.Context) (int, error) {
	if !o.pollMu.TryLock() {
		o.logger.Debug("poll cycle still running, skipping")
		return 0, nil
	}
	defer o.pollMu.Unlock()

	telemetry.ObservePollCycle()

	since, etag := o.cache.SyncMarkers()
	batch, err := o.feed.FetchJobs(ctx, crawler.JobQuery{
		Limit:          o.cfg.BatchLimit,
		MaxClaimAgeSec: o.cfg.MaxClaimAgeSec,
		Since:          since,
		ScriptsEtag:    etag,
		Mode:           "claim",
		IncludeScripts: true,
	})
	if err != nil {
		o.logger.Error("feed poll failed", zap.Error(err))
		return 0, err
	}

	if err := o.cache.Merge(ctx, batch.Scripts, batch.ScriptsEtag); err != nil {
		o.logger.Error("script cache merge failed", zap.Error(err))
	}

	for _, job := range batch.Jobs {
		o.processJob(ctx, job)
		if ctx.Err() != nil {
			break
		}
	}

	o.tracker.SetLive(ctx, crawler.LiveStatus{Mode: "idle", Phase: "idle"})
	return len(batch.Jobs), nil
}

func (o *Orchestrator) processJob(ctx context.Context, job crawler.Job) {
	start := o.clock.Now()
	phases := map[string]int64{}

	domain, err := crawler.DomainOf(job.URL)
	if err != nil {
		o.logger.Error("unparseable job url",
			zap.String("job_id", job.JobID),
			zap.String("url", job.URL),
			zap.Error(err),
		)
		o.finishFailed(ctx, job, domain, phases, start, err)
		return
	}

	if !o.gate.IsAllowed(domain) {
		if !o.cfg.AutoApproveDomains {
			o.deferJob(ctx, job, domain)
			return
		}
		if err := o.gate.AutoApprove(ctx, domain); err != nil {
			o.finishFailed(ctx, job, domain, phases, start, err)
			return
		}
	}

	if o.tracker.IsActive(ctx, job.JobID) {
		o.logger.Info("job already in flight, skipping", zap.String("job_id", job.JobID))
		return
	}
	if o.tracker.InErrorCooldown(ctx, job.JobID) {
		o.logger.Info("job in error cooldown, skipping", zap.String("job_id", job.JobID))
		return
	}
	if _, ok := o.tracker.SeenEntry(ctx, job.JobID); ok {
		// A claimed entry outside its cooldown is stale; clear it and retry.
		o.tracker.ClearSeen(ctx, job.JobID)
	}

	o.tracker.MarkActive(ctx, job.JobID)
	telemetry.SetActiveJobs(1)
	defer telemetry.SetActiveJobs(0)
	o.setLive(ctx, job, domain, "starting")
	o.emit(job.RunID, "info", "job claimed", map[string]any{
		"jobId": job.JobID, "url": job.URL, "domain": domain,
	})

	if o.isPDF(ctx, job.URL) {
		o.finishSkipped(ctx, job, domain, start, crawler.ErrPDFContent)
		return
	}

	result := o.runLifecycle(ctx, job, domain, phases)
	elapsed := o.clock.Now().Sub(start)

	if result.err != nil {
		o.emit(job.RunID, "error", "job failed", map[string]any{
			"jobId": job.JobID, "error": result.err.Error(),
		})
		o.reportFailure(ctx, job, result.err)
		o.tracker.MarkSeen(ctx, job.JobID, crawler.SeenError)
		o.tracker.ClearActive(ctx, job.JobID)
		o.tracker.AppendHistory(ctx, crawler.CrawlHistoryEntry{
			Kind:        "crawl",
			URL:         job.URL,
			Domain:      domain,
			TS:          o.clock.Now(),
			Phases:      phases,
			Status:      crawler.JobStatusFailed,
			Error:       result.err.Error(),
			Redirected:  result.redirected,
			RedirectURL: result.redirectURL,
		})
		telemetry.ObserveJob(string(crawler.JobStatusFailed), elapsed)
		return
	}

	o.tracker.ClearSeen(ctx, job.JobID)
	o.tracker.ClearActive(ctx, job.JobID)
	o.tracker.AppendHistory(ctx, crawler.CrawlHistoryEntry{
		Kind:        "crawl",
		URL:         job.URL,
		Domain:      domain,
		TS:          o.clock.Now(),
		Phases:      phases,
		Status:      crawler.JobStatusSucceeded,
		Size:        result.size,
		ContentHash: result.hash,
		Redirected:  result.redirected,
		RedirectURL: result.redirectURL,
	})
	telemetry.ObserveJob(string(crawler.JobStatusSucceeded), elapsed)
	o.emit(job.RunID, "info", "job completed", map[string]any{
		"jobId": job.JobID, "size": result.size, "hash": result.hash,
	})
	o.logger.Info("job completed",
		zap.String("job_id", job.JobID),
		zap.String("domain", domain),
		zap.Int("size", result.size),
		zap.Duration("elapsed", elapsed),
	)
}

type lifecycleResult struct {
	err         error
	size        int
	hash        string
	redirected  bool
	redirectURL string
}

// runLifecycle drives one job through an open session. The session is
// always closed before returning.
func (o *Orchestrator) runLifecycle(ctx context.Context, job crawler.Job, domain string, phases map[string]int64) lifecycleResult {
	rec, hasScript := o.cache.Lookup(domain)

	o.setLive(ctx, job, domain, "opening")
	openStart := o.clock.Now()
	session, err := o.browser.Open(ctx, job.URL)
	phases["open"] = o.clock.Now().Sub(openStart).Milliseconds()
	if err != nil {
		return lifecycleResult{err: err}
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			o.logger.Debug("session close failed", zap.Error(cerr))
		}
	}()

	// The readiness condition polls in parallel with load and redirect
	// detection so a slow condition does not stack on top of them.
	var condCh chan bool
	if hasScript && rec.Condition != "" {
		condCh = make(chan bool, 1)
		go func() {
			condCh <- o.controller.PollCondition(ctx, session, rec.Condition, o.cfg.ConditionTimeout, o.cfg.ConditionInterval)
		}()
	}

	o.setLive(ctx, job, domain, "loading")
	loadStart := o.clock.Now()
	o.controller.WaitForLoad(ctx, session, o.cfg.LoadTimeout)
	phases["load"] = o.clock.Now().Sub(loadStart).Milliseconds()

	o.setLive(ctx, job, domain, "detecting")
	detectStart := o.clock.Now()
	detection := o.detector.Detect(ctx, session)
	phases["detect"] = o.clock.Now().Sub(detectStart).Milliseconds()
	telemetry.ObserveRedirectDetection(detection.Reason)

	result := lifecycleResult{
		redirected:  detection.RedirectOccurred,
		redirectURL: detection.RedirectURL,
	}
	if detection.RedirectOccurred {
		o.emit(job.RunID, "info", "redirect detected", map[string]any{
			"jobId": job.JobID, "reason": detection.Reason, "redirectUrl": detection.RedirectURL,
		})
		// The landing page needs its own load pass before extraction.
		reloadStart := o.clock.Now()
		o.controller.WaitForLoad(ctx, session, o.cfg.LoadTimeout)
		phases["reload"] = o.clock.Now().Sub(reloadStart).Milliseconds()
	}

	if condCh != nil {
		condStart := o.clock.Now()
		ok := <-condCh
		phases["condition"] = o.clock.Now().Sub(condStart).Milliseconds()
		if !ok {
			result.err = crawler.ErrConditionTimeout
			return result
		}
	}

	if hasScript && rec.Script != "" {
		o.setLive(ctx, job, domain, "scripting")
		scriptStart := o.clock.Now()
		sleepCtx(ctx, time.Duration(rec.WaitBeforeMs)*time.Millisecond)
		o.controller.RunScript(ctx, session, rec.Script, domain)
		sleepCtx(ctx, time.Duration(rec.WaitAfterMs)*time.Millisecond)
		phases["script"] = o.clock.Now().Sub(scriptStart).Milliseconds()
	}

	o.setLive(ctx, job, domain, "extracting")
	extractStart := o.clock.Now()
	content := o.controller.ExtractContent(ctx, session, o.cfg.ExtractTimeout)
	phases["extract"] = o.clock.Now().Sub(extractStart).Milliseconds()
	if content == "" {
		result.err = crawler.ErrEmptyContent
		return result
	}
	result.size = len(content)
	if hash, herr := o.hasher.Hash([]byte(content)); herr == nil {
		result.hash = hash
	}

	o.setLive(ctx, job, domain, "submitting")
	submitStart := o.clock.Now()
	err = o.submitter.Submit(ctx, job.JobID, content)
	phases["submit"] = o.clock.Now().Sub(submitStart).Milliseconds()
	if err != nil {
		result.err = err
		return result
	}
	return result
}

// deferJob parks a job behind an unapproved domain. The claim is released
// so the feed can reissue it once the domain is approved.
func (o *Orchestrator) deferJob(ctx context.Context, job crawler.Job, domain string) {
	o.gate.RegisterPending(ctx, domain, job.JobID, job.RunID)
	o.tracker.AppendHistory(ctx, crawler.CrawlHistoryEntry{
		Kind:   "crawl",
		URL:    job.URL,
		Domain: domain,
		TS:     o.clock.Now(),
		Status: crawler.JobStatusPending,
	})
	telemetry.ObserveJob(string(crawler.JobStatusPending), 0)
	o.logger.Info("job deferred pending domain approval",
		zap.String("job_id", job.JobID),
		zap.String("domain", domain),
	)
}

// finishSkipped records a deliberate skip. Skips are neither success nor
// failure: the fail endpoint is not invoked and no seen-entry is written,
// only the local history carries the outcome.
func (o *Orchestrator) finishSkipped(ctx context.Context, job crawler.Job, domain string, start time.Time, cause error) {
	o.tracker.ClearActive(ctx, job.JobID)
	o.tracker.AppendHistory(ctx, crawler.CrawlHistoryEntry{
		Kind:   "crawl",
		URL:    job.URL,
		Domain: domain,
		TS:     o.clock.Now(),
		Status: crawler.JobStatusSkipped,
		Error:  cause.Error(),
	})
	telemetry.ObserveJob(string(crawler.JobStatusSkipped), o.clock.Now().Sub(start))
	o.emit(job.RunID, "info", "job skipped", map[string]any{
		"jobId": job.JobID, "reason": cause.Error(),
	})
	o.logger.Info("job skipped",
		zap.String("job_id", job.JobID),
		zap.String("url", job.URL),
		zap.Error(cause),
	)
}

func (o *Orchestrator) finishFailed(ctx context.Context, job crawler.Job, domain string, phases map[string]int64, start time.Time, cause error) {
	o.reportFailure(ctx, job, cause)
	o.tracker.MarkSeen(ctx, job.JobID, crawler.SeenError)
	o.tracker.ClearActive(ctx, job.JobID)
	o.tracker.AppendHistory(ctx, crawler.CrawlHistoryEntry{
		Kind:   "crawl",
		URL:    job.URL,
		Domain: domain,
		TS:     o.clock.Now(),
		Phases: phases,
		Status: crawler.JobStatusFailed,
		Error:  cause.Error(),
	})
	telemetry.ObserveJob(string(crawler.JobStatusFailed), o.clock.Now().Sub(start))
}

// reportFailure posts the failure note best-effort; a permanent submit
// error already burned its retries, so the note carries its cause.
func (o *Orchestrator) reportFailure(ctx context.Context, job crawler.Job, cause error) {
	text := cause.Error()
	var perm *crawler.PermanentSubmitError
	if errors.As(cause, &perm) && perm.Last != nil {
		text = perm.Last.Error()
	}
	if err := o.feed.ReportFailure(ctx, job.JobID, text); err != nil {
		o.logger.Warn("failure report not delivered",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
	}
}

// isPDF classifies jobs the renderer cannot serve: a .pdf path suffix
// short-circuits, otherwise a HEAD probe checks the content type.
func (o *Orchestrator) isPDF(ctx context.Context, rawURL string) bool {
	if strings.HasSuffix(strings.ToLower(pathOf(rawURL)), ".pdf") {
		return true
	}
	if o.prober == nil {
		return false
	}
	contentType, err := o.prober.ContentType(ctx, rawURL)
	if err != nil {
		o.logger.Debug("content-type probe failed", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	return strings.Contains(strings.ToLower(contentType), "application/pdf")
}

func (o *Orchestrator) setLive(ctx context.Context, job crawler.Job, domain, phase string) {
	o.tracker.SetLive(ctx, crawler.LiveStatus{
		Mode:   "crawl",
		JobID:  job.JobID,
		URL:    job.URL,
		Domain: domain,
		Phase:  phase,
	})
}

func (o *Orchestrator) emit(runID, level, msg string, fields map[string]any) {
	if o.sink == nil {
		return
	}
	o.sink.Emit(runID, crawler.LogEntry{
		Source:  "worker",
		Level:   level,
		Message: msg,
		Context: fields,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
