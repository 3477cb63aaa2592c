package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"anime-relay/internal/client"
	"anime-relay/internal/model"
	"anime-relay/internal/service"
)

// AnimeHandler serves the catalog JSON API.
type AnimeHandler struct {
	catalog *service.CatalogService
	logger  *slog.Logger
}

// NewAnimeHandler creates an AnimeHandler.
func NewAnimeHandler(catalog *service.CatalogService, logger *slog.Logger) *AnimeHandler {
	return &AnimeHandler{
		catalog: catalog,
		logger:  logger.With("component", "anime_handler"),
	}
}

// apiError is the error body of every catalog endpoint.
type apiError struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Results []any  `json:"results"`
}

type pageQuery struct {
	Page int `query:"page" validate:"omitempty,min=1"`
}

type searchParams struct {
	Query string `param:"query" validate:"required,max=200"`
}

type titleParams struct {
	ID int `param:"id" validate:"required,min=1"`
}

type episodeParams struct {
	ID      int `param:"id" validate:"required,min=1"`
	Episode int `param:"episode" validate:"min=0"`
}

// Popular returns recently updated titles.
func (h *AnimeHandler) Popular(c echo.Context) error {
	var q pageQuery
	if err := h.bind(c, &q); err != nil {
		return h.mapError(c, err)
	}
	page, err := h.catalog.Popular(c.Request().Context(), q.Page)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// Search runs a free-text search.
func (h *AnimeHandler) Search(c echo.Context) error {
	var p searchParams
	if err := c.Bind(&p); err != nil {
		return h.mapError(c, err)
	}
	p.Query = strings.TrimSpace(p.Query)
	if err := c.Validate(&p); err != nil {
		return h.mapError(c, err)
	}
	page, err := h.catalog.Search(c.Request().Context(), p.Query)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// Filter searches by year, season and genres.
func (h *AnimeHandler) Filter(c echo.Context) error {
	var f model.TitleFilter
	if err := h.bind(c, &f); err != nil {
		return h.mapError(c, err)
	}
	page, err := h.catalog.Filter(c.Request().Context(), f)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// Genres lists all genres.
func (h *AnimeHandler) Genres(c echo.Context) error {
	genres, err := h.catalog.Genres(c.Request().Context())
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, genres)
}

// Years lists all release years.
func (h *AnimeHandler) Years(c echo.Context) error {
	years, err := h.catalog.Years(c.Request().Context())
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, years)
}

// Detail returns a title and its episode list.
func (h *AnimeHandler) Detail(c echo.Context) error {
	var p titleParams
	if err := h.bind(c, &p); err != nil {
		return h.mapError(c, err)
	}
	detail, err := h.catalog.Detail(c.Request().Context(), p.ID)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// Episode returns the playable sources of one episode.
func (h *AnimeHandler) Episode(c echo.Context) error {
	var p episodeParams
	if err := h.bind(c, &p); err != nil {
		return h.mapError(c, err)
	}
	media, err := h.catalog.Episode(c.Request().Context(), p.ID, p.Episode)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, media)
}

func (h *AnimeHandler) bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return err
	}
	return c.Validate(dst)
}

func (h *AnimeHandler) mapError(c echo.Context, err error) error {
	status, message := classify(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("catalog error",
			"err", client.RedactError(err),
			"path", c.Request().URL.Path,
			"status", status,
		)
	} else {
		h.logger.Debug("catalog request rejected",
			"err", client.RedactError(err),
			"path", c.Request().URL.Path,
			"status", status,
		)
	}

	return c.JSON(status, apiError{Error: true, Message: message, Results: []any{}})
}

// classify maps an error to a status code and a client-safe message.
func classify(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return http.StatusBadRequest, "invalid request parameters"
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, validationMessage(err)
	}

	if errors.Is(err, service.ErrEpisodeNotFound) {
		return http.StatusNotFound, "episode not found"
	}

	if errors.Is(err, client.ErrUnavailable) {
		return http.StatusServiceUnavailable, "metadata upstream temporarily unavailable"
	}

	var fetchErr *client.UpstreamFetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode == http.StatusNotFound {
		return http.StatusNotFound, "title not found"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusBadGateway, "upstream request timed out"
	}

	if errors.Is(err, service.ErrInvalidPayload) {
		return http.StatusBadGateway, "upstream returned an invalid response"
	}

	return http.StatusBadGateway, "upstream request failed"
}
