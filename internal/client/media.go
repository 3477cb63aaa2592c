package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"anime-relay/internal/config"
	"anime-relay/internal/metrics"
	"anime-relay/internal/model"
)

const (
	upstreamMedia       = "media"
	defaultMediaTimeout = 30 * time.Second
)

// MediaClient fetches playlists and segments from the video CDN through the
// configured SOCKS relay.
type MediaClient struct {
	httpClient *http.Client
	header     http.Header
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewMediaClient creates a MediaClient with connection pooling. The client has
// no total timeout: cfg.Relay.Timeout bounds the wait for response headers only,
// so long segment bodies are never cut off. Pass nil metrics to disable recording.
func NewMediaClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*MediaClient, error) {
	timeout := cfg.Relay.Timeout()
	if timeout <= 0 {
		timeout = defaultMediaTimeout
	}
	transport, err := newTransport(cfg.Relay.SocksProxy, cfg.Relay.IdleConnections, timeout)
	if err != nil {
		return nil, fmt.Errorf("media transport: %w", err)
	}
	transport.ResponseHeaderTimeout = timeout

	header := http.Header{}
	header.Set("User-Agent", cfg.Relay.UserAgent)
	header.Set("Accept", "*/*")
	header.Set("Origin", cfg.Relay.Origin)
	header.Set("Referer", cfg.Relay.Referer)

	return &MediaClient{
		httpClient: &http.Client{Transport: transport},
		header:     header,
		timeout:    timeout,
		logger:     logger.With("component", "media_client"),
		metrics:    m,
	}, nil
}

// NormalizeTarget prefixes https:// when the target carries no http(s) scheme.
func NormalizeTarget(target string) string {
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return target
	}
	return "https://" + target
}

// FetchThroughProxy issues one upstream request with the masquerade headers
// and the forwarded Range. Cancelling ctx aborts the upstream request and the
// body. Non-2xx responses are returned as *UpstreamFetchError.
// The caller must close the returned body.
func (c *MediaClient) FetchThroughProxy(ctx context.Context, rr model.RelayRequest) (*model.RelayResponse, error) {
	target := NormalizeTarget(rr.TargetURL)
	method := rr.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		cancel()
		return nil, &UpstreamFetchError{URL: target, Err: fmt.Errorf("build upstream request: %w", err)}
	}
	req.Header = c.header.Clone()
	if rr.Range != "" {
		req.Header.Set("Range", rr.Range)
	}

	c.logger.Debug("upstream request",
		"method", method,
		"host", req.URL.Host,
		"range", rr.Range,
	)

	// The deadline only covers the wait for headers; it is disarmed before the body is streamed.
	timer := time.AfterFunc(c.timeout, cancel)
	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	timedOut := !timer.Stop()
	c.observe(time.Since(start), resp)

	if timedOut {
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, &UpstreamFetchError{
			URL: target,
			Err: fmt.Errorf("no response from %s within %s: %w", req.URL.Host, c.timeout, context.DeadlineExceeded),
		}
	}
	if err != nil {
		cancel()
		return nil, &UpstreamFetchError{URL: target, Err: err}
	}
	if !isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, statusError(resp, target)
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

func (c *MediaClient) observe(d time.Duration, resp *http.Response) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(upstreamMedia).Observe(d.Seconds())
	if resp != nil {
		c.metrics.UpstreamResponses.WithLabelValues(upstreamMedia, strconv.Itoa(resp.StatusCode)).Inc()
	}
}

// cancelOnClose releases the request context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
