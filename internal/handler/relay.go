package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"anime-relay/internal/client"
	"anime-relay/internal/config"
	"anime-relay/internal/metrics"
	"anime-relay/internal/service"
)

// RelayHandler streams remote media through the SOCKS relay.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler. Pass nil metrics to disable recording.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
		metrics: m,
	}
}

// Handle decodes the target from the raw request URI, fetches it and streams
// the body back unbuffered. Once the status line is sent, failures can only
// truncate the body; they are logged and counted.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := service.DecodeTarget(service.ExtractSuffix(rawRequestURI(req), config.DefaultRelayPrefix))
	if err != nil {
		return h.fail(c, err)
	}

	resp, err := h.service.Fetch(req.Context(), req.Method, target, req.Header)
	if err != nil {
		return h.fail(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}

	n, err := io.Copy(c.Response(), resp.Body)
	if h.metrics != nil {
		h.metrics.RelayBytes.Add(float64(n))
	}
	if err != nil {
		if h.metrics != nil {
			h.metrics.StreamInterrupted.Inc()
		}
		h.logger.Warn("stream interrupted",
			"err", client.RedactError(err),
			"bytes", n,
			"status", resp.StatusCode,
			"client_gone", errors.Is(req.Context().Err(), context.Canceled),
		)
	}

	return nil
}

// fail writes a plain-text error with the CORS header so the browser player
// can read it.
func (h *RelayHandler) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	body := "Proxy error: " + client.RedactError(err)
	kind := "upstream"

	switch {
	case errors.Is(err, service.ErrMissingTarget):
		status = http.StatusBadRequest
		body = "URL not provided"
		kind = "missing_target"
	case errors.Is(err, service.ErrMalformedTarget):
		kind = "malformed_target"
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	}

	if h.metrics != nil {
		h.metrics.RelayFailures.WithLabelValues(kind).Inc()
	}
	if status >= http.StatusInternalServerError && kind != "canceled" {
		h.logger.Error("relay error", "err", client.RedactError(err), "kind", kind)
	} else {
		h.logger.Debug("relay rejected", "err", client.RedactError(err), "kind", kind)
	}

	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	return c.String(status, body)
}

// rawRequestURI returns the request target as the client sent it, so
// percent-encoding in the relay suffix is decoded exactly once.
func rawRequestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	uri := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		uri += "?" + r.URL.RawQuery
	}
	return uri
}
