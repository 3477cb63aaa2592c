package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anime-relay/internal/config"
	"anime-relay/internal/metrics"
)

// RelayPrefixes are the paths the media relay is mounted under.
var RelayPrefixes = []string{config.DefaultRelayPrefix, "/api" + config.DefaultRelayPrefix}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	relay *RelayHandler,
	anime *AnimeHandler,
	health *HealthHandler,
	pages *PagesHandler,
	m *metrics.Metrics,
) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	for _, prefix := range RelayPrefixes {
		e.GET(prefix+"*", relay.Handle)
		e.HEAD(prefix+"*", relay.Handle)
	}

	api := e.Group("/api/anime")
	api.GET("/popular", anime.Popular)
	api.GET("/search/:query", anime.Search)
	api.GET("/filter", anime.Filter)
	api.GET("/genres", anime.Genres)
	api.GET("/years", anime.Years)
	api.GET("/:id", anime.Detail)
	api.GET("/:id/episode/:episode", anime.Episode)
	api.GET("/:id/episodes/:episode", anime.Episode)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	// Static goes first so the explicit page routes below replace its "/" route.
	if pages.Enabled() {
		e.Static("/", cfg.Static.Dir)
		e.GET("/", pages.Index)
		e.GET("/anime/:id", pages.Anime)
	}
}
