// Package page provides the automation surface the worker drives a
// rendered page through: open, wait-for-load, evaluate, inject, extract.
package page

import (
	"context"
	"errors"
)

// ErrAgentNotReady is returned by Session.RequestContent while the in-page
// content agent has not finished installing its message channel.
var ErrAgentNotReady = errors.New("content agent not ready")

// Isolation names a script execution tier.
type Isolation string

// Execution tiers, in priority order.
const (
	IsolationPage      Isolation = "page"
	IsolationExtension Isolation = "extension"
)

// EventKind classifies a navigation signal.
type EventKind string

// Navigation signal kinds.
const (
	EventURLChanged   EventKind = "url_changed"
	EventNavCompleted EventKind = "navigation_completed"
	EventNavError     EventKind = "navigation_error"
	EventClosed       EventKind = "tab_closed"
)

// Event is one navigation signal observed on a session.
type Event struct {
	Kind EventKind
	URL  string
	Err  error
}

// Capability opens rendering sessions. Implemented by the chromedp adapter
// in production and by fakes in tests.
type Capability interface {
	Open(ctx context.Context, url string) (Session, error)
}

// Session is one open page. Subscriptions are disposable: the returned
// cancel func detaches the channel and must always be called.
type Session interface {
	// LoadComplete returns a channel closed when the current navigation's
	// load event fires. A later main-frame navigation re-arms the signal,
	// so callers must re-fetch the channel for each wait.
	LoadComplete() <-chan struct{}
	// Evaluate runs code in the given tier and returns its value.
	Evaluate(ctx context.Context, code string, tier Isolation) (any, error)
	// URL reports the session's current location.
	URL(ctx context.Context) (string, error)
	// BodyTextLength measures the rendered body text size in characters.
	BodyTextLength(ctx context.Context) (int, error)
	// Events subscribes to navigation signals of the given kinds.
	Events(kinds ...EventKind) (<-chan Event, func())
	// RequestContent asks the in-page content agent for serialized content.
	RequestContent(ctx context.Context) (string, error)
	// OuterHTML serializes the DOM directly, bypassing the content agent.
	OuterHTML(ctx context.Context) (string, error)
	// Close tears the page down.
	Close() error
}
