package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Prober classifies a URL's content type without rendering it.
type Prober interface {
	ContentType(ctx context.Context, rawURL string) (string, error)
}

// HTTPProber issues HEAD requests to read the Content-Type header.
type HTTPProber struct {
	client    *http.Client
	userAgent string
}

// NewHTTPProber constructs an HTTPProber with the given request budget.
func NewHTTPProber(timeout time.Duration, userAgent string) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// ContentType HEADs the URL and returns its Content-Type header.
func (p *HTTPProber) ContentType(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build probe request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	return resp.Header.Get("Content-Type"), nil
}

// pathOf returns the URL's path component, or the raw string when it does
// not parse, so suffix checks still get a look at it.
func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
