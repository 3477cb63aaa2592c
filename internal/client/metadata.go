package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"anime-relay/internal/config"
	"anime-relay/internal/metrics"
	"anime-relay/internal/model"
)

const (
	upstreamMetadata = "metadata"
	breakerName      = "metadata"

	// maxMetadataBytes bounds a single metadata payload.
	maxMetadataBytes = 16 << 20
)

// MetadataClient reads JSON from the Anilibria v3 API.
type MetadataClient struct {
	httpClient *http.Client
	baseURL    string
	header     http.Header
	pageSize   int
	retry      RetryPolicy
	breaker    *gobreaker.CircuitBreaker[[]byte] // nil when disabled
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewMetadataClient creates a MetadataClient. Metadata calls go direct unless
// metadata.use_socks is set. Pass nil metrics to disable recording.
func NewMetadataClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*MetadataClient, error) {
	mc := cfg.Metadata

	socks := ""
	if mc.UseSocks {
		socks = cfg.Relay.SocksProxy
	}
	transport, err := newTransport(socks, cfg.Relay.IdleConnections, mc.AttemptTimeout())
	if err != nil {
		return nil, fmt.Errorf("metadata transport: %w", err)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("User-Agent", mc.UserAgent)
	header.Set("Origin", mc.Origin)
	header.Set("Referer", mc.Referer)
	header.Set("Api-Version", mc.APIVersion)

	c := &MetadataClient{
		httpClient: &http.Client{Transport: transport},
		baseURL:    mc.BaseURL,
		header:     header,
		pageSize:   mc.PageSize,
		logger:     logger.With("component", "metadata_client"),
		metrics:    m,
	}
	c.retry = RetryPolicy{
		MaxAttempts:       mc.MaxAttempts,
		PerAttemptTimeout: mc.AttemptTimeout(),
		Backoff:           mc.Backoff(),
		OnRetry: func(attempt int, err error) {
			c.logger.Warn("metadata request failed, retrying",
				"attempt", attempt,
				"error", RedactError(err),
			)
			if c.metrics != nil {
				c.metrics.MetadataRetries.Inc()
			}
		},
	}
	if mc.Breaker.Enabled {
		c.breaker = c.newBreaker(mc.Breaker)
	}

	return c, nil
}

func (c *MetadataClient) newBreaker(bc config.BreakerConfig) *gobreaker.CircuitBreaker[[]byte] {
	if c.metrics != nil {
		c.metrics.BreakerState.WithLabelValues(breakerName).Set(0)
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Duration(bc.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
		},
		// A 4xx or a caller that went away says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			if c.metrics != nil {
				c.metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			}
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// PageSize is the upstream page size used for list endpoints.
func (c *MetadataClient) PageSize() int {
	return c.pageSize
}

// GetJSON fetches path (relative to the base URL) with query and decodes the
// body into out.
func (c *MetadataClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.fetch(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *MetadataClient) fetch(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	run := func() ([]byte, error) {
		var body []byte
		err := c.retry.Do(ctx, func(ctx context.Context) error {
			b, err := c.get(ctx, target)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
		return body, err
	}

	if c.breaker == nil {
		return run()
	}
	body, err := c.breaker.Execute(run)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, err
}

func (c *MetadataClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header = c.header.Clone()

	c.logger.Debug("metadata request", "url", target)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(upstreamMetadata).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(upstreamMetadata, strconv.Itoa(resp.StatusCode)).Inc()
	}
	if !isSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, &UpstreamFetchError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// TitleUpdates returns one page of recently updated titles.
func (c *MetadataClient) TitleUpdates(ctx context.Context, page int) ([]model.Title, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("page", strconv.Itoa(page))

	var list model.TitleList
	if err := c.GetJSON(ctx, "/title/updates", q, &list); err != nil {
		return nil, err
	}
	return list.List, nil
}

// SearchTitles runs a free-text title search.
func (c *MetadataClient) SearchTitles(ctx context.Context, query string) ([]model.Title, error) {
	q := url.Values{}
	q.Set("search", query)
	q.Set("limit", strconv.Itoa(c.pageSize))

	var list model.TitleList
	if err := c.GetJSON(ctx, "/title/search", q, &list); err != nil {
		return nil, err
	}
	return list.List, nil
}

// FilterTitles searches by year, season and genres. Unset filter fields are omitted.
func (c *MetadataClient) FilterTitles(ctx context.Context, f model.TitleFilter) ([]model.Title, error) {
	q := url.Values{}
	if f.Year != 0 {
		q.Set("year", strconv.Itoa(f.Year))
	}
	if f.SeasonCode != 0 {
		q.Set("season_code", strconv.Itoa(f.SeasonCode))
	}
	if f.Genres != "" {
		q.Set("genres", f.Genres)
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(c.pageSize))

	var list model.TitleList
	if err := c.GetJSON(ctx, "/title/search", q, &list); err != nil {
		return nil, err
	}
	return list.List, nil
}

// Title fetches one title with its player data.
func (c *MetadataClient) Title(ctx context.Context, id int) (*model.Title, error) {
	q := url.Values{}
	q.Set("id", strconv.Itoa(id))

	var t model.Title
	if err := c.GetJSON(ctx, "/title", q, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Genres lists every genre known upstream.
func (c *MetadataClient) Genres(ctx context.Context) ([]string, error) {
	var genres []string
	if err := c.GetJSON(ctx, "/genres", nil, &genres); err != nil {
		return nil, err
	}
	return genres, nil
}

// Years lists the release years known upstream.
func (c *MetadataClient) Years(ctx context.Context) ([]int, error) {
	var years []int
	if err := c.GetJSON(ctx, "/years", nil, &years); err != nil {
		return nil, err
	}
	return years, nil
}
