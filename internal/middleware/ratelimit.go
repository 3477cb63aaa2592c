package middleware

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"anime-relay/internal/config"
)

// RateLimiter returns a per-client-IP rate limiter, or nil when disabled.
// A single HLS episode issues a request per segment, so the limit should
// leave room for several segments per second.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return nil
	}
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	logger.Info("rate limiter enabled", "rps", cfg.RequestsPerSecond)
	return echomw.RateLimiter(store)
}
