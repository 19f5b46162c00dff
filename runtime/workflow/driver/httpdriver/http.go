// Package httpdriver implements the HTTP tool driver. It renders nothing
// itself; the pipeline hands it a fully rendered config:
//
//	kind: http
//	method: GET            # default GET
//	endpoint: https://...  # required
//	params: {k: v}         # query parameters
//	headers: {k: v}
//	payload: <any>         # JSON-encoded request body
//
// Responses with JSON content types decode into the result value; other
// bodies come back as strings. The status code is exposed to policy guards
// as outcome.http.status. 429 and 5xx map to retryable errors, other 4xx to
// non-retryable ones.
package httpdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/noetl/noetl/runtime/workflow/driver"
	"github.com/noetl/noetl/runtime/workflow/outcome"
)

type (
	// Options configures the HTTP driver.
	Options struct {
		// Client is the HTTP client. Defaults to a client with a 30s
		// timeout.
		Client *http.Client
		// RequestsPerSecond caps the per-host request rate. Zero disables
		// rate limiting.
		RequestsPerSecond float64
		// Burst is the per-host burst size. Defaults to 1 when rate
		// limiting is enabled.
		Burst int
		// MaxResponseBytes bounds response bodies read into memory.
		// Defaults to 32 MiB.
		MaxResponseBytes int64
	}

	// Driver implements driver.Driver for kind "http".
	Driver struct {
		client   *http.Client
		rps      float64
		burst    int
		maxBody  int64
		mu       sync.Mutex
		limiters map[string]*rate.Limiter
	}
)

// KindName is the task kind this driver serves.
const KindName = "http"

const defaultMaxBody = 32 << 20

var _ driver.Driver = (*Driver)(nil)

// New returns an HTTP driver.
func New(opts Options) *Driver {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	maxBody := opts.MaxResponseBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Driver{
		client:   client,
		rps:      opts.RequestsPerSecond,
		burst:    burst,
		maxBody:  maxBody,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Kind implements driver.Driver.
func (*Driver) Kind() string { return KindName }

// Execute implements driver.Driver.
func (d *Driver) Execute(ctx context.Context, req *driver.Request) (*outcome.Outcome, error) {
	start := time.Now()
	meta := func() outcome.Meta {
		return outcome.Meta{
			Attempt:    req.Attempt,
			DurationMS: time.Since(start).Milliseconds(),
			TS:         time.Now().UTC(),
		}
	}

	httpReq, err := d.buildRequest(ctx, req)
	if err != nil {
		return outcome.Fail(&outcome.Error{
			Kind:    outcome.KindHTTP,
			Message: err.Error(),
		}, meta()), nil
	}

	if err := d.wait(ctx, httpReq.URL.Host); err != nil {
		return nil, err
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		// Transport errors (connection refused, DNS, timeouts) are
		// retryable; a later attempt may reach the server.
		kind := outcome.KindHTTP
		if errors.Is(err, context.DeadlineExceeded) {
			kind = outcome.KindTimeout
		}
		return outcome.Fail(&outcome.Error{
			Kind:      kind,
			Retryable: true,
			Message:   err.Error(),
		}, meta()), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody))
	if err != nil {
		return outcome.Fail(&outcome.Error{
			Kind:      outcome.KindHTTP,
			Retryable: true,
			Message:   fmt.Sprintf("read response: %v", err),
		}, meta()), nil
	}

	block := map[string]any{"status": resp.StatusCode}
	if resp.StatusCode >= 400 {
		oc := outcome.Fail(&outcome.Error{
			Kind:      outcome.KindHTTP,
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Message:   fmt.Sprintf("%s %s: %s", httpReq.Method, httpReq.URL, resp.Status),
			Details:   map[string]any{"status": resp.StatusCode, "body": preview(body)},
		}, meta())
		oc.SetBlock("http", block)
		return oc, nil
	}

	oc, err := driver.Finalize(ctx, req, decodeBody(resp.Header.Get("Content-Type"), body), meta())
	if err != nil {
		return nil, err
	}
	oc.SetBlock("http", block)
	return oc, nil
}

func (d *Driver) buildRequest(ctx context.Context, req *driver.Request) (*http.Request, error) {
	endpoint, _ := req.Config["endpoint"].(string)
	if endpoint == "" {
		endpoint, _ = req.Config["url"].(string)
	}
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	method, _ := req.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if params, ok := req.Config["params"].(map[string]any); ok {
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""
	if payload, ok := req.Config["payload"]; ok && payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := req.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}
	return httpReq, nil
}

// wait blocks on the per-host rate limiter.
func (d *Driver) wait(ctx context.Context, host string) error {
	if d.rps <= 0 {
		return nil
	}
	d.mu.Lock()
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.rps), d.burst)
		d.limiters[host] = lim
	}
	d.mu.Unlock()
	return lim.Wait(ctx)
}

func decodeBody(contentType string, body []byte) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// preview bounds error detail bodies so error outcomes stay small.
func preview(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
