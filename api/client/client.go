// Package client is the worker-side HTTP client for the orchestration API.
// It implements the engine contracts remote workers need: the event sink,
// the state reader and the iteration watcher.
package client

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

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/runtime/workflow/event"
	"github.com/noetl/noetl/runtime/workflow/worker"
)

// Client talks to one control plane server.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at base (e.g. "http://noetl:8080").
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// Append implements event.Sink over POST /executions/{id}/events. The
// server's append is idempotent, so retried deliveries are safe.
func (c *Client) Append(ctx context.Context, e *event.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	u := fmt.Sprintf("%s/executions/%s/events", c.base, url.PathEscape(e.ExecutionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		Seq int64 `json:"seq"`
	}
	if err := c.do(req, &out); err != nil {
		return err
	}
	e.Seq = out.Seq
	return nil
}

// Snapshot implements worker.StateReader over GET /executions/{id}/snapshot.
func (c *Client) Snapshot(ctx context.Context, executionID string) (*worker.Snapshot, error) {
	u := fmt.Sprintf("%s/executions/%s/snapshot", c.base, url.PathEscape(executionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Playbook *playbook.Playbook `json:"playbook"`
		Workload map[string]any     `json:"workload"`
		Ctx      map[string]any     `json:"ctx"`
		Keychain map[string]any     `json:"keychain"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Playbook == nil {
		return nil, fmt.Errorf("snapshot for %s has no playbook", executionID)
	}
	return &worker.Snapshot{
		Playbook: out.Playbook,
		Workload: out.Workload,
		Ctx:      out.Ctx,
		Keychain: out.Keychain,
	}, nil
}

// Terminal implements worker.IterationWatcher over the iterations endpoint.
func (c *Client) Terminal(ctx context.Context, executionID, stepRunID string) (map[int]*event.Event, error) {
	u := fmt.Sprintf("%s/executions/%s/steps/%s/iterations",
		c.base, url.PathEscape(executionID), url.PathEscape(stepRunID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Iterations map[string]*event.Event `json:"iterations"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	terminal := make(map[int]*event.Event, len(out.Iterations))
	for k, evt := range out.Iterations {
		i, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("iteration index %q: %w", k, err)
		}
		terminal[i] = evt
	}
	return terminal, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
