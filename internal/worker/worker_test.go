package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	clocksystem "github.com/crawlfeed/worker/internal/clock/system"
	"github.com/crawlfeed/worker/internal/crawler"
	hashsha256 "github.com/crawlfeed/worker/internal/hash/sha256"
	"github.com/crawlfeed/worker/internal/page"
	"github.com/crawlfeed/worker/internal/redirect"
	"github.com/crawlfeed/worker/internal/scripts"
	"github.com/crawlfeed/worker/internal/state"
	"github.com/crawlfeed/worker/internal/store"
	"github.com/crawlfeed/worker/internal/submit"
	"github.com/crawlfeed/worker/internal/trust"
)

type fakeFeed struct {
	mu          sync.Mutex
	batches     []crawler.JobBatch
	queries     []crawler.JobQuery
	submitted   map[string]string
	submitFails map[string]int
	failures    map[string]string
	resets      []string
}

func newFakeFeed(batches ...crawler.JobBatch) *fakeFeed {
	return &fakeFeed{
		batches:     batches,
		submitted:   map[string]string{},
		submitFails: map[string]int{},
		failures:    map[string]string{},
	}
}

func (f *fakeFeed) FetchJobs(_ context.Context, q crawler.JobQuery) (crawler.JobBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.batches) == 0 {
		return crawler.JobBatch{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeFeed) SubmitResult(_ context.Context, jobID string, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitFails[jobID] != 0 {
		f.submitFails[jobID]--
		return errors.New("feed unavailable")
	}
	f.submitted[jobID] = html
	return nil
}

func (f *fakeFeed) ReportFailure(_ context.Context, jobID string, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[jobID] = errText
	return nil
}

func (f *fakeFeed) ResetJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, jobID)
	return nil
}

func (f *fakeFeed) AppendLogs(context.Context, string, []crawler.LogEntry) error {
	return nil
}

type fakeSession struct {
	mu        sync.Mutex
	loadCh    chan struct{}
	loadCalls int
	loadFn    func(call int) <-chan struct{}
	events    []page.Event
	url       string
	bodyLen   int
	evalFn    func(code string, tier page.Isolation) (any, error)
	evaluated []string
	agent     string
	agentErr  error
	dom       string
	domErr    error
	closed    bool
}

func newLoadedSession(url string, bodyLen int) *fakeSession {
	ch := make(chan struct{})
	close(ch)
	return &fakeSession{loadCh: ch, url: url, bodyLen: bodyLen}
}

func (s *fakeSession) LoadComplete() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	if s.loadFn != nil {
		return s.loadFn(s.loadCalls)
	}
	return s.loadCh
}

func (s *fakeSession) Evaluate(_ context.Context, code string, tier page.Isolation) (any, error) {
	s.mu.Lock()
	s.evaluated = append(s.evaluated, code)
	s.mu.Unlock()
	if s.evalFn != nil {
		return s.evalFn(code, tier)
	}
	return nil, nil
}

func (s *fakeSession) URL(context.Context) (string, error) { return s.url, nil }

func (s *fakeSession) BodyTextLength(context.Context) (int, error) { return s.bodyLen, nil }

func (s *fakeSession) Events(kinds ...page.EventKind) (<-chan page.Event, func()) {
	want := make(map[page.EventKind]struct{}, len(kinds))
	for _, kind := range kinds {
		want[kind] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan page.Event, len(s.events)+1)
	for _, evt := range s.events {
		if _, ok := want[evt.Kind]; ok {
			ch <- evt
		}
	}
	return ch, func() {}
}

func (s *fakeSession) RequestContent(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent, s.agentErr
}

func (s *fakeSession) OuterHTML(context.Context) (string, error) {
	return s.dom, s.domErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) evaluatedCodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.evaluated...)
}

type fakeCapability struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	opened   []string
}

func (c *fakeCapability) Open(_ context.Context, url string) (page.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, url)
	s, ok := c.sessions[url]
	if !ok {
		return nil, errors.New("no session scripted for " + url)
	}
	return s, nil
}

type fakeProber struct {
	types map[string]string
}

func (p *fakeProber) ContentType(_ context.Context, rawURL string) (string, error) {
	ct, ok := p.types[rawURL]
	if !ok {
		return "", errors.New("probe refused")
	}
	return ct, nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []crawler.LogEntry
}

func (r *recordingSink) Emit(_ string, entry crawler.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

type harness struct {
	orch    *Orchestrator
	feed    *fakeFeed
	gate    *trust.Gate
	cache   *scripts.Cache
	tracker *state.Tracker
	sink    *recordingSink
}

func newHarness(t *testing.T, feed *fakeFeed, browser *fakeCapability, prober Prober, mutate func(*Config)) *harness {
	t.Helper()

	kv := store.NewMemory()
	clock := clocksystem.New()
	logger := zap.NewNop()

	cache, err := scripts.Load(context.Background(), kv, logger)
	require.NoError(t, err)

	gate := trust.New(kv, feed, clock, logger)
	tracker := state.New(kv, clock, logger)
	sink := &recordingSink{}

	detector := redirect.New(redirect.Config{
		MinTextLength: 10,
		MaxWait:       200 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
		SettleDelay:   30 * time.Millisecond,
	}, logger)

	submitter := submit.New(feed, submit.Config{
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		BackoffStep:    time.Millisecond,
		BackoffCap:     2 * time.Millisecond,
	}, logger)

	cfg := Config{
		BatchLimit:         5,
		LoadTimeout:        100 * time.Millisecond,
		ConditionTimeout:   50 * time.Millisecond,
		ExtractTimeout:     2 * time.Second,
		AutoApproveDomains: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch := New(
		feed, gate, cache, browser, page.NewController(logger), detector,
		submitter, tracker, prober, sink, hashsha256.New(), clock, cfg, logger,
	)
	return &harness{orch: orch, feed: feed, gate: gate, cache: cache, tracker: tracker, sink: sink}
}

func oneJobBatch(jobID, url string) crawler.JobBatch {
	return crawler.JobBatch{Jobs: []crawler.Job{{JobID: jobID, URL: url, RunID: "R1"}}}
}

func TestPollOnceCompletesJob(t *testing.T) {
	t.Parallel()

	const url = "https://shop.example.com/product"
	session := newLoadedSession(url, 5000)
	session.agent = "<html><body>rendered product page</body></html>"
	feed := newFakeFeed(oneJobBatch("J1", url))
	h := newHarness(t, feed, &fakeCapability{sessions: map[string]*fakeSession{url: session}}, nil, nil)

	n, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, session.agent, feed.submitted["J1"])
	require.True(t, session.closed)

	// Feed-sourced domains become allowed on first contact.
	require.True(t, h.gate.IsAllowed("shop.example.com"))

	history := h.tracker.History(context.Background())
	require.Len(t, history, 1)
	require.Equal(t, crawler.JobStatusSucceeded, history[0].Status)
	require.Equal(t, "shop.example.com", history[0].Domain)
	require.Equal(t, len(session.agent), history[0].Size)
	require.NotEmpty(t, history[0].ContentHash)

	require.False(t, h.tracker.IsActive(context.Background(), "J1"))
	_, seen := h.tracker.SeenEntry(context.Background(), "J1")
	require.False(t, seen)

	live, ok := h.tracker.Live(context.Background())
	require.True(t, ok)
	require.Equal(t, "idle", live.Mode)
	require.NotEmpty(t, h.sink.entries)
}

func TestPollOnceSendsSyncMarkersAndMergesScripts(t *testing.T) {
	t.Parallel()

	batch := crawler.JobBatch{
		Scripts: []crawler.ScriptRecord{{
			Domain: "News.Example.com",
			Hash:   "h1",
			Script: "prepare()",
		}},
		ScriptsEtag: "etag-1",
	}
	feed := newFakeFeed(batch, crawler.JobBatch{})
	h := newHarness(t, feed, &fakeCapability{}, nil, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	// First poll announces a full sync.
	require.Equal(t, scripts.EpochZeroSince, feed.queries[0].Since)
	require.Empty(t, feed.queries[0].ScriptsEtag)
	require.Equal(t, "claim", feed.queries[0].Mode)
	require.True(t, feed.queries[0].IncludeScripts)

	rec, ok := h.cache.Lookup("news.example.com")
	require.True(t, ok)
	require.Equal(t, "h1", rec.Hash)

	// Second poll carries the etag acquired by the merge.
	_, err = h.orch.PollOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "etag-1", feed.queries[1].ScriptsEtag)
}

func TestEmptyExtractionFailsAndCoolsDown(t *testing.T) {
	t.Parallel()

	const url = "https://empty.example.com/page"
	session := newLoadedSession(url, 5000)
	session.agentErr = errors.New("agent channel broken")
	session.dom = ""
	feed := newFakeFeed(oneJobBatch("J2", url), oneJobBatch("J2", url))
	browser := &fakeCapability{sessions: map[string]*fakeSession{url: session}}
	h := newHarness(t, feed, browser, nil, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	require.Contains(t, feed.failures["J2"], crawler.ErrEmptyContent.Error())
	require.True(t, h.tracker.InErrorCooldown(context.Background(), "J2"))

	history := h.tracker.History(context.Background())
	require.Len(t, history, 1)
	require.Equal(t, crawler.JobStatusFailed, history[0].Status)

	// Reissued inside the cooldown the job is skipped outright.
	_, err = h.orch.PollOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, browser.opened, 1)
	require.Len(t, h.tracker.History(context.Background()), 1)
}

func TestPDFSuffixSkipsJob(t *testing.T) {
	t.Parallel()

	const url = "https://docs.example.com/report.PDF"
	feed := newFakeFeed(oneJobBatch("J3", url))
	browser := &fakeCapability{}
	h := newHarness(t, feed, browser, nil, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	require.Empty(t, browser.opened)

	history := h.tracker.History(context.Background())
	require.Len(t, history, 1)
	require.Equal(t, crawler.JobStatusSkipped, history[0].Status)
	require.Contains(t, history[0].Error, crawler.ErrPDFContent.Error())

	// A skip is neither success nor failure: the fail endpoint stays
	// untouched and no seen-entry or cooldown is recorded.
	require.Empty(t, feed.failures)
	_, seen := h.tracker.SeenEntry(context.Background(), "J3")
	require.False(t, seen)
	require.False(t, h.tracker.InErrorCooldown(context.Background(), "J3"))
}

func TestPDFProbeSkipsJob(t *testing.T) {
	t.Parallel()

	const url = "https://docs.example.com/download?id=7"
	feed := newFakeFeed(oneJobBatch("J4", url))
	browser := &fakeCapability{}
	prober := &fakeProber{types: map[string]string{url: "application/pdf"}}
	h := newHarness(t, feed, browser, prober, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	require.Empty(t, browser.opened)
	require.Empty(t, feed.failures)
	require.Equal(t, crawler.JobStatusSkipped, h.tracker.History(context.Background())[0].Status)
}

func TestUnapprovedDomainDefersJob(t *testing.T) {
	t.Parallel()

	const url = "https://unknown.example.com/page"
	feed := newFakeFeed(oneJobBatch("J5", url))
	browser := &fakeCapability{}
	h := newHarness(t, feed, browser, nil, func(cfg *Config) {
		cfg.AutoApproveDomains = false
	})

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	require.Empty(t, browser.opened)
	history := h.tracker.History(context.Background())
	require.Len(t, history, 1)
	require.Equal(t, crawler.JobStatusPending, history[0].Status)

	// Approval drains the pending queue back to the feed.
	require.NoError(t, h.gate.Approve(context.Background(), "unknown.example.com"))
	require.Equal(t, []string{"J5"}, feed.resets)
}

func TestActiveJobIsNotReprocessed(t *testing.T) {
	t.Parallel()

	const url = "https://busy.example.com/page"
	feed := newFakeFeed(oneJobBatch("J6", url))
	browser := &fakeCapability{}
	h := newHarness(t, feed, browser, nil, nil)

	h.tracker.MarkActive(context.Background(), "J6")

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, browser.opened)
	require.Empty(t, h.tracker.History(context.Background()))
}

func TestConditionTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	const url = "https://slow.example.com/page"
	session := newLoadedSession(url, 5000)
	session.evalFn = func(code string, _ page.Isolation) (any, error) {
		return false, nil
	}
	session.agent = "content that never gets submitted"
	feed := newFakeFeed(crawler.JobBatch{
		Jobs: []crawler.Job{{JobID: "J7", URL: url, RunID: "R1"}},
		Scripts: []crawler.ScriptRecord{{
			Domain:    "slow.example.com",
			Condition: "window.ready === true",
			Script:    "collect()",
		}},
		ScriptsEtag: "etag-s",
	})
	h := newHarness(t, feed, &fakeCapability{sessions: map[string]*fakeSession{url: session}}, nil, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	require.Empty(t, feed.submitted)
	require.Contains(t, feed.failures["J7"], crawler.ErrConditionTimeout.Error())
	require.Equal(t, crawler.JobStatusFailed, h.tracker.History(context.Background())[0].Status)
}

func TestDomainScriptRunsBeforeExtraction(t *testing.T) {
	t.Parallel()

	const url = "https://scripted.example.com/page"
	session := newLoadedSession(url, 5000)
	session.evalFn = func(code string, _ page.Isolation) (any, error) {
		return true, nil
	}
	session.agent = "<html>expanded content</html>"
	feed := newFakeFeed(crawler.JobBatch{
		Jobs: []crawler.Job{{JobID: "J8", URL: url, RunID: "R1"}},
		Scripts: []crawler.ScriptRecord{{
			Domain:       "scripted.example.com",
			Condition:    "document.readyState === 'complete'",
			Script:       "expandAll()",
			WaitBeforeMs: 1,
			WaitAfterMs:  1,
		}},
		ScriptsEtag: "etag-s",
	})
	h := newHarness(t, feed, &fakeCapability{sessions: map[string]*fakeSession{url: session}}, nil, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, session.agent, feed.submitted["J8"])
	require.Contains(t, session.evaluatedCodes(), "expandAll()")
	require.Contains(t, session.evaluatedCodes(), "document.readyState === 'complete'")
}

func TestRedirectLandingPageLoadIsAwaited(t *testing.T) {
	t.Parallel()

	const (
		url        = "https://thin.example.com/go"
		landingURL = "https://thin.example.com/article"
		landing    = "<html><body>the real article</body></html>"
	)

	// The first page is too thin to pass detection and announces a main
	// frame navigation; the landing page only exposes its content once its
	// own load signal fires.
	session := &fakeSession{
		url:     url,
		bodyLen: 5,
		agent:   "interstitial shell",
		events:  []page.Event{{Kind: page.EventURLChanged, URL: landingURL}},
	}
	var landingOnce sync.Once
	landingLoad := make(chan struct{})
	session.loadFn = func(call int) <-chan struct{} {
		if call == 1 {
			done := make(chan struct{})
			close(done)
			return done
		}
		landingOnce.Do(func() {
			go func() {
				time.Sleep(50 * time.Millisecond)
				session.mu.Lock()
				session.agent = landing
				session.mu.Unlock()
				close(landingLoad)
			}()
		})
		return landingLoad
	}

	feed := newFakeFeed(oneJobBatch("J10", url))
	h := newHarness(t, feed, &fakeCapability{sessions: map[string]*fakeSession{url: session}}, nil, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	// Extraction ran after the landing page finished loading, not against
	// the interstitial.
	require.Equal(t, landing, feed.submitted["J10"])

	history := h.tracker.History(context.Background())
	require.Len(t, history, 1)
	require.Equal(t, crawler.JobStatusSucceeded, history[0].Status)
	require.True(t, history[0].Redirected)
	require.Equal(t, landingURL, history[0].RedirectURL)
	require.GreaterOrEqual(t, session.loadCalls, 2)
}

func TestSubmitExhaustionReportsPermanentFailure(t *testing.T) {
	t.Parallel()

	const url = "https://flaky.example.com/page"
	session := newLoadedSession(url, 5000)
	session.agent = "content to submit"
	feed := newFakeFeed(oneJobBatch("J9", url))
	feed.submitFails["J9"] = 10
	h := newHarness(t, feed, &fakeCapability{sessions: map[string]*fakeSession{url: session}}, nil, nil)

	_, err := h.orch.PollOnce(context.Background())
	require.NoError(t, err)

	require.Empty(t, feed.submitted)
	require.Contains(t, feed.failures["J9"], "feed unavailable")
	require.True(t, h.tracker.InErrorCooldown(context.Background(), "J9"))
	require.Equal(t, crawler.JobStatusFailed, h.tracker.History(context.Background())[0].Status)
}

func TestPathOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/a/report.pdf", pathOf("https://x.example.com/a/report.pdf?dl=1"))
	require.Equal(t, "://bad", pathOf("://bad"))
}
