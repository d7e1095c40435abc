package page

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig controls the chromedp-backed capability.
type BrowserConfig struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
}

// Browser implements Capability using chromedp and headless Chrome. One
// allocator is shared across sessions; each Open creates its own tab.
type Browser struct {
	cfg         BrowserConfig
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewBrowser creates the shared exec allocator.
func NewBrowser(cfg BrowserConfig, logger *zap.Logger) *Browser {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Browser{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
}

// Close cancels the allocator context.
func (b *Browser) Close() {
	b.allocCancel()
}

// Open starts a tab, begins navigation, and returns the live session.
// Navigation is not awaited here; load completion surfaces through the
// session's LoadComplete channel and navigation events.
func (b *Browser) Open(ctx context.Context, url string) (Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)

	s := &browserSession{
		ctx:    tabCtx,
		cancel: tabCancel,
		loadCh: make(chan struct{}),
		logger: b.logger,
	}
	chromedp.ListenTarget(tabCtx, s.dispatch)

	navCtx, navCancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer navCancel()
	if err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := cdppage.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("%s", errorText)
		}
		return nil
	})); err != nil {
		tabCancel()
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}

	if ctx.Err() != nil {
		tabCancel()
		return nil, ctx.Err()
	}
	return s, nil
}

type subscriber struct {
	kinds map[EventKind]struct{}
	ch    chan Event
}

type browserSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu       sync.Mutex
	loadCh   chan struct{}
	loadDone bool
	subs     map[int]*subscriber
	nextID   int
	closed   bool
}

// dispatch translates CDP target events into capability events. The load
// channel is per-navigation: a main-frame navigation after a completed load
// re-arms it so the next load event can be awaited too.
func (s *browserSession) dispatch(ev any) {
	switch e := ev.(type) {
	case *cdppage.EventLoadEventFired:
		s.mu.Lock()
		if !s.loadDone {
			close(s.loadCh)
			s.loadDone = true
		}
		s.mu.Unlock()
		s.publish(Event{Kind: EventNavCompleted})
	case *cdppage.EventFrameNavigated:
		if e.Frame != nil && e.Frame.ParentID == "" {
			s.mu.Lock()
			if s.loadDone {
				s.loadCh = make(chan struct{})
				s.loadDone = false
			}
			s.mu.Unlock()
			s.publish(Event{Kind: EventURLChanged, URL: e.Frame.URL})
		}
	case *network.EventLoadingFailed:
		if e.Type == network.ResourceTypeDocument {
			s.publish(Event{Kind: EventNavError, Err: fmt.Errorf("document load failed: %s", e.ErrorText)})
		}
	}
}

func (s *browserSession) publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if _, want := sub.kinds[evt.Kind]; !want {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

func (s *browserSession) LoadComplete() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCh
}

func (s *browserSession) Events(kinds ...EventKind) (<-chan Event, func()) {
	sub := &subscriber{
		kinds: make(map[EventKind]struct{}, len(kinds)),
		ch:    make(chan Event, 8),
	}
	for _, kind := range kinds {
		sub.kinds[kind] = struct{}{}
	}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]*subscriber)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return sub.ch, cancel
}

func (s *browserSession) Evaluate(ctx context.Context, code string, tier Isolation) (any, error) {
	var result any
	var action chromedp.Action
	switch tier {
	case IsolationExtension:
		action = chromedp.Evaluate(code, &result, chromedp.EvalWithCommandLineAPI)
	default:
		action = chromedp.Evaluate(code, &result)
	}
	if err := chromedp.Run(s.runCtx(ctx), action); err != nil {
		return nil, fmt.Errorf("evaluate in %s tier: %w", tier, err)
	}
	return result, nil
}

func (s *browserSession) URL(ctx context.Context) (string, error) {
	var location string
	if err := chromedp.Run(s.runCtx(ctx), chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

func (s *browserSession) BodyTextLength(ctx context.Context) (int, error) {
	var length float64
	err := chromedp.Run(s.runCtx(ctx), chromedp.Evaluate(
		`document.body && document.body.innerText ? document.body.innerText.length : 0`,
		&length,
	))
	if err != nil {
		return 0, fmt.Errorf("measure body text: %w", err)
	}
	return int(length), nil
}

// RequestContent asks the installed content agent for its serialized view.
// A page without the agent installed yields ErrAgentNotReady so the caller
// can back off and retry.
func (s *browserSession) RequestContent(ctx context.Context) (string, error) {
	var result string
	err := chromedp.Run(s.runCtx(ctx), chromedp.Evaluate(
		`(function(){
			if (!window.__contentAgent || typeof window.__contentAgent.collect !== 'function') {
				return '';
			}
			return String(window.__contentAgent.collect());
		})()`,
		&result,
	))
	if err != nil {
		return "", fmt.Errorf("content agent request: %w", err)
	}
	if result == "" {
		return "", ErrAgentNotReady
	}
	return result, nil
}

func (s *browserSession) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(s.runCtx(ctx), chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("serialize dom: %w", err)
	}
	return html, nil
}

func (s *browserSession) Close() error {
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	if closed {
		return nil
	}
	for _, sub := range subs {
		select {
		case sub.ch <- Event{Kind: EventClosed}:
		default:
		}
	}
	s.cancel()
	return nil
}

// runCtx ties a chromedp action to both the tab lifetime and the caller's
// deadline. chromedp.Run needs the tab context; the caller's context only
// contributes cancellation.
func (s *browserSession) runCtx(ctx context.Context) context.Context {
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel := context.WithDeadline(s.ctx, deadline)
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-runCtx.Done():
			}
		}()
		return runCtx
	}
	return s.ctx
}
