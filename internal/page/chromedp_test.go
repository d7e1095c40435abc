package page

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSession() *browserSession {
	return &browserSession{
		loadCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
}

func chClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func mainFrameNavigated(url string) *cdppage.EventFrameNavigated {
	return &cdppage.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F1"), URL: url},
	}
}

func TestLoadSignalFiresOncePerNavigation(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	require.False(t, chClosed(s.LoadComplete()))

	s.dispatch(&cdppage.EventLoadEventFired{})
	require.True(t, chClosed(s.LoadComplete()))

	// A duplicate load event must not close the channel twice.
	s.dispatch(&cdppage.EventLoadEventFired{})
	require.True(t, chClosed(s.LoadComplete()))
}

func TestMainFrameNavigationRearmsLoadSignal(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	s.dispatch(&cdppage.EventLoadEventFired{})
	require.True(t, chClosed(s.LoadComplete()))

	// Navigating away after a completed load arms a fresh channel for the
	// landing page.
	s.dispatch(mainFrameNavigated("https://landing.example.com/"))
	require.False(t, chClosed(s.LoadComplete()))

	s.dispatch(&cdppage.EventLoadEventFired{})
	require.True(t, chClosed(s.LoadComplete()))
}

func TestSubframeNavigationDoesNotRearm(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	s.dispatch(&cdppage.EventLoadEventFired{})

	s.dispatch(&cdppage.EventFrameNavigated{
		Frame: &cdp.Frame{ID: cdp.FrameID("F2"), ParentID: cdp.FrameID("F1"), URL: "https://ads.example.com/"},
	})
	require.True(t, chClosed(s.LoadComplete()))
}

func TestDispatchPublishesNavigationEvents(t *testing.T) {
	t.Parallel()

	s := newTestSession()
	urls, cancelURLs := s.Events(EventURLChanged)
	defer cancelURLs()
	errs, cancelErrs := s.Events(EventNavError)
	defer cancelErrs()

	s.dispatch(mainFrameNavigated("https://moved.example.com/"))
	s.dispatch(&network.EventLoadingFailed{
		Type:      network.ResourceTypeDocument,
		ErrorText: "net::ERR_NAME_NOT_RESOLVED",
	})
	// Non-document load failures are noise, not navigation errors.
	s.dispatch(&network.EventLoadingFailed{Type: network.ResourceTypeImage, ErrorText: "blocked"})

	select {
	case evt := <-urls:
		require.Equal(t, EventURLChanged, evt.Kind)
		require.Equal(t, "https://moved.example.com/", evt.URL)
	case <-time.After(time.Second):
		t.Fatal("url change event not delivered")
	}
	select {
	case evt := <-errs:
		require.Equal(t, EventNavError, evt.Kind)
		require.ErrorContains(t, evt.Err, "ERR_NAME_NOT_RESOLVED")
	case <-time.After(time.Second):
		t.Fatal("navigation error event not delivered")
	}
	require.Empty(t, errs)
}

func TestNewBrowserAppliesConfig(t *testing.T) {
	t.Parallel()

	b := NewBrowser(BrowserConfig{Headless: true, UserAgent: "probe-agent"}, nil)
	require.NotNil(t, b)
	require.Equal(t, 45*time.Second, b.cfg.NavigationTimeout)
	b.Close()

	visible := NewBrowser(BrowserConfig{Headless: false, NavigationTimeout: 10 * time.Second}, zap.NewNop())
	require.Equal(t, 10*time.Second, visible.cfg.NavigationTimeout)
	visible.Close()
}
