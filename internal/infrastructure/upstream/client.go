// Package upstream wraps the forward HTTP call to the configured
// chat-completions endpoint.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// allowedHeaders is the request-header allow-list for chat-completion
// forwards. Everything else (cookies, tracing, proxies) is dropped.
var allowedHeaders = []string{
	"Authorization",
	"Content-Type",
	"Accept",
	"Openai-Organization",
	"Openai-Project",
	"User-Agent",
}

// Result is the upstream's answer. Body is a live stream owned by the
// caller; it must be closed on every path.
type Result struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
	OK     bool // 2xx
}

// Client performs forwards to the upstream endpoint. No retries; network
// failures propagate to the caller.
type Client struct {
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a client with transport settings tuned for slow LLM
// responses (long response-header timeout, modest connection pool).
func NewClient(logger *zap.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("component", "upstream")),
	}
}

// PrepareBody inspects the request body's stream flag (absent means
// streaming, matching upstream convention for this proxy) and, when
// streaming, merges stream_options.include_usage=true unless the caller
// already set stream_options. Returns the possibly rewritten body and the
// stream flag.
func PrepareBody(body []byte) ([]byte, bool, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("parse request body: %w", err)
	}

	stream := true
	if raw, ok := parsed["stream"]; ok {
		if err := json.Unmarshal(raw, &stream); err != nil {
			return nil, false, fmt.Errorf("parse stream flag: %w", err)
		}
	}
	if !stream {
		return body, false, nil
	}

	var opts map[string]any
	if raw, ok := parsed["stream_options"]; ok {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, false, fmt.Errorf("parse stream_options: %w", err)
		}
	}
	if opts == nil {
		opts = map[string]any{}
	}
	if _, set := opts["include_usage"]; !set {
		opts["include_usage"] = true
	}

	encoded, err := json.Marshal(opts)
	if err != nil {
		return nil, false, fmt.Errorf("encode stream_options: %w", err)
	}
	parsed["stream_options"] = encoded

	rewritten, err := json.Marshal(parsed)
	if err != nil {
		return nil, false, fmt.Errorf("encode request body: %w", err)
	}
	return rewritten, true, nil
}

// Forward sends a chat-completion request upstream. Request headers are
// filtered to the allow-list and Accept is forced by the stream flag.
func (c *Client) Forward(ctx context.Context, method, path string, headers http.Header, body []byte, upstreamURL string) (*Result, error) {
	prepared, stream, err := PrepareBody(body)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(upstreamURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(prepared))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	for _, name := range allowedHeaders {
		if v := headers.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Forwarding to upstream",
		zap.String("url", url),
		zap.Bool("stream", stream),
	)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	return &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}

// hopHeaders are never forwarded in either direction on the passthrough.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Passthrough transparently forwards an arbitrary /v1/* request. Request
// headers pass through minus hop-by-hop ones; the response body is not
// re-encoded, so Content-Encoding and Transfer-Encoding must be stripped
// by the emitter.
func (c *Client) Passthrough(ctx context.Context, r *http.Request, body []byte, upstreamURL string) (*Result, error) {
	url := strings.TrimRight(upstreamURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create passthrough request: %w", err)
	}

	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	req.Header.Del("Host")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("passthrough request failed: %w", err)
	}

	return &Result{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}
