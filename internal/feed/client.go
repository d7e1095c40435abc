// Package feed implements the HTTP client for the remote crawl job feed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/crawlfeed/worker/internal/crawler"
)

// failureTextLimit bounds the error text posted to the fail endpoint.
const failureTextLimit = 500

// Config controls the feed client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the feed over HTTP/JSON. It implements crawler.FeedClient.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// FetchJobs claims up to q.Limit jobs in one batch call. Depending on the
// script-cache sync state the query carries either the held etag or the
// since marker, and may ask for script deltas to be included.
func (c *Client) FetchJobs(ctx context.Context, q crawler.JobQuery) (crawler.JobBatch, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.MaxClaimAgeSec > 0 {
		params.Set("maxClaimAgeSec", strconv.Itoa(q.MaxClaimAgeSec))
	}
	if q.ScriptsEtag != "" {
		params.Set("scriptsEtag", q.ScriptsEtag)
	} else if q.Since != "" {
		params.Set("since", q.Since)
	}
	if q.Mode != "" {
		params.Set("mode", q.Mode)
	}
	if q.IncludeScripts {
		params.Set("includeScripts", "true")
	}

	var batch crawler.JobBatch
	if err := c.doJSON(ctx, http.MethodGet, "/crawl/jobs?"+params.Encode(), nil, &batch); err != nil {
		return crawler.JobBatch{}, fmt.Errorf("fetch jobs: %w", err)
	}
	return batch, nil
}

// SubmitResult posts extracted content for a completed job.
func (c *Client) SubmitResult(ctx context.Context, jobID string, html string) error {
	body := map[string]string{"jobId": jobID, "html": html}
	if err := c.doJSON(ctx, http.MethodPost, "/crawl/result", body, nil); err != nil {
		return fmt.Errorf("submit result for job %s: %w", jobID, err)
	}
	return nil
}

// ReportFailure posts a best-effort failure note for a job. The error text
// is truncated so a pathological message cannot bloat the request.
func (c *Client) ReportFailure(ctx context.Context, jobID string, errText string) error {
	if len(errText) > failureTextLimit {
		errText = errText[:failureTextLimit]
	}
	body := map[string]string{"error": errText}
	path := fmt.Sprintf("/crawl/jobs/%s/fail", url.PathEscape(jobID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("report failure for job %s: %w", jobID, err)
	}
	return nil
}

// ResetJob returns a previously deferred job to the claimable pool.
func (c *Client) ResetJob(ctx context.Context, jobID string) error {
	path := fmt.Sprintf("/crawl/jobs/%s/reset", url.PathEscape(jobID))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("reset job %s: %w", jobID, err)
	}
	return nil
}

// AppendLogs ships a telemetry batch to the run's log sink.
func (c *Client) AppendLogs(ctx context.Context, runID string, entries []crawler.LogEntry) error {
	body := map[string]any{"entries": entries}
	path := fmt.Sprintf("/runs/%s/logs/append", url.PathEscape(runID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("append logs for run %s: %w", runID, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
