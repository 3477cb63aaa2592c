package handler

import (
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"

	"anime-relay/internal/config"
)

// PagesHandler serves the browser client's HTML entry points from static.dir.
type PagesHandler struct {
	dir string
}

// NewPagesHandler creates a PagesHandler.
func NewPagesHandler(cfg *config.Config) *PagesHandler {
	return &PagesHandler{dir: cfg.Static.Dir}
}

// Enabled reports whether a static directory is configured.
func (h *PagesHandler) Enabled() bool {
	return h.dir != ""
}

// Index serves index.html.
func (h *PagesHandler) Index(c echo.Context) error {
	return c.File(filepath.Join(h.dir, "index.html"))
}

// Anime serves anime.html for numeric ids and 404 otherwise.
func (h *PagesHandler) Anime(c echo.Context) error {
	if !isDigits(c.Param("id")) {
		return c.String(http.StatusNotFound, "Not Found")
	}
	return c.File(filepath.Join(h.dir, "anime.html"))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
