package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"anime-relay/internal/client"
	"anime-relay/internal/config"
	"anime-relay/internal/model"
)

var (
	// ErrEpisodeNotFound is returned when a title has no such episode.
	ErrEpisodeNotFound = errors.New("episode not found")
	// ErrInvalidPayload is returned when upstream answered with something that is not a title.
	ErrInvalidPayload = errors.New("invalid upstream payload")
)

const unknownStatus = "Неизвестно"

// MetadataSource is the upstream catalog API.
type MetadataSource interface {
	TitleUpdates(ctx context.Context, page int) ([]model.Title, error)
	SearchTitles(ctx context.Context, query string) ([]model.Title, error)
	FilterTitles(ctx context.Context, f model.TitleFilter) ([]model.Title, error)
	Title(ctx context.Context, id int) (*model.Title, error)
	Genres(ctx context.Context) ([]string, error)
	Years(ctx context.Context) ([]int, error)
	PageSize() int
}

// CatalogService reshapes upstream titles into the browser schema.
type CatalogService struct {
	source       MetadataSource
	cdnURL       string
	playerHost   string
	proxySources bool
	relay        *RelayService
	logger       *slog.Logger
}

// NewCatalogService creates a CatalogService. Episode source URLs are built
// with relay when metadata.proxy_sources is on.
func NewCatalogService(source *client.MetadataClient, relay *RelayService, cfg *config.Config, logger *slog.Logger) *CatalogService {
	return newCatalogService(source, relay, cfg, logger)
}

func newCatalogService(source MetadataSource, relay *RelayService, cfg *config.Config, logger *slog.Logger) *CatalogService {
	return &CatalogService{
		source:       source,
		cdnURL:       cfg.Metadata.CDNURL,
		playerHost:   cfg.Metadata.PlayerHost,
		proxySources: cfg.Metadata.SourcesProxied(),
		relay:        relay,
		logger:       logger.With("component", "catalog_service"),
	}
}

// Popular returns one page of recently updated titles.
func (s *CatalogService) Popular(ctx context.Context, page int) (*model.TitlePage, error) {
	if page < 1 {
		page = 1
	}
	titles, err := s.source.TitleUpdates(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("title updates page %d: %w", page, err)
	}
	return s.page(titles, true), nil
}

// Search runs a free-text search. The result has no pagination flag.
func (s *CatalogService) Search(ctx context.Context, query string) (*model.TitlePage, error) {
	titles, err := s.source.SearchTitles(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search titles: %w", err)
	}
	return s.page(titles, false), nil
}

// Filter searches by year, season and genres.
func (s *CatalogService) Filter(ctx context.Context, f model.TitleFilter) (*model.TitlePage, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	titles, err := s.source.FilterTitles(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("filter titles: %w", err)
	}
	return s.page(titles, true), nil
}

// Detail returns the title info and its episodes sorted by number.
func (s *CatalogService) Detail(ctx context.Context, id int) (*model.TitleDetail, error) {
	t, err := s.title(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.TitleDetail{
		Info:     s.MapInfo(t),
		Episodes: s.MapEpisodeRefs(t.Player),
	}, nil
}

// Episode returns the playable sources of episode n of title id.
func (s *CatalogService) Episode(ctx context.Context, id, n int) (*model.EpisodeMedia, error) {
	t, err := s.title(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Player == nil {
		return nil, fmt.Errorf("title %d episode %d: %w", id, n, ErrEpisodeNotFound)
	}
	ep, ok := t.Player.List[n]
	if !ok {
		return nil, fmt.Errorf("title %d episode %d: %w", id, n, ErrEpisodeNotFound)
	}
	media := s.MapEpisodeMedia(s.host(t.Player), ep)
	return &media, nil
}

// Genres lists the upstream genres.
func (s *CatalogService) Genres(ctx context.Context) (*model.GenreList, error) {
	genres, err := s.source.Genres(ctx)
	if err != nil {
		return nil, fmt.Errorf("genres: %w", err)
	}
	if genres == nil {
		genres = []string{}
	}
	return &model.GenreList{Genres: genres}, nil
}

// Years lists the upstream release years.
func (s *CatalogService) Years(ctx context.Context) (*model.YearList, error) {
	years, err := s.source.Years(ctx)
	if err != nil {
		return nil, fmt.Errorf("years: %w", err)
	}
	if years == nil {
		years = []int{}
	}
	return &model.YearList{Years: years}, nil
}

func (s *CatalogService) title(ctx context.Context, id int) (*model.Title, error) {
	t, err := s.source.Title(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("title %d: %w", id, err)
	}
	if t == nil || t.ID == 0 {
		return nil, fmt.Errorf("title %d: %w", id, ErrInvalidPayload)
	}
	return t, nil
}

func (s *CatalogService) page(titles []model.Title, paged bool) *model.TitlePage {
	p := &model.TitlePage{Results: make([]model.TitleSummary, 0, len(titles))}
	for i := range titles {
		p.Results = append(p.Results, s.MapSummary(&titles[i]))
	}
	if paged {
		hasNext := len(titles) == s.source.PageSize()
		p.HasNextPage = &hasNext
	}
	return p
}

// MapSummary maps a title to a list card.
func (s *CatalogService) MapSummary(t *model.Title) model.TitleSummary {
	sum := model.TitleSummary{
		ID:          t.ID,
		Title:       t.Names.RU,
		TitleEN:     t.Names.EN,
		Code:        t.Code,
		Status:      statusOf(t),
		Image:       s.imageOf(t),
		Description: t.Description,
		Episodes:    episodesLabel(t.Type),
		Genres:      genresOf(t),
	}
	if t.Season != nil {
		sum.Season = model.SeasonSummary{
			Year:   nonZero(t.Season.Year),
			Code:   nonZero(t.Season.Code),
			String: t.Season.String,
		}
	}
	return sum
}

// MapInfo maps a title to the detail page header.
func (s *CatalogService) MapInfo(t *model.Title) model.TitleInfo {
	info := model.TitleInfo{
		Title:         t.Names.RU,
		TitleEN:       t.Names.EN,
		TitleJapanese: t.Names.Alternative,
		Synopsis:      t.Description,
		Image:         s.imageOf(t),
		Status:        statusOf(t),
		Genres:        genresOf(t),
	}
	if t.Type != nil {
		info.Type = t.Type.FullString
		if t.Type.Episodes.Valid && t.Type.Episodes.Value != 0 {
			info.Episodes = model.EpisodeCount{N: t.Type.Episodes.Value, Known: true}
		}
	}
	if t.Season != nil {
		info.Year = t.Season.Year.Ptr()
		info.Season = model.DetailSeason{Year: t.Season.Year.Ptr(), String: t.Season.String}
	}
	return info
}

// MapEpisodeRefs lists the episodes of a player, sorted by episode number.
func (s *CatalogService) MapEpisodeRefs(p *model.Player) []model.EpisodeRef {
	refs := []model.EpisodeRef{}
	if p == nil {
		return refs
	}
	host := s.host(p)
	for n, ep := range p.List {
		refs = append(refs, model.EpisodeRef{
			ID:      strconv.Itoa(n),
			Title:   ep.Name,
			Episode: n,
			Preview: s.mediaURL(host, ep.Preview, false),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Episode < refs[j].Episode })
	return refs
}

// MapEpisodeMedia builds the sources of one episode in 1080p, 720p, 480p order.
func (s *CatalogService) MapEpisodeMedia(host string, ep model.Episode) model.EpisodeMedia {
	media := model.EpisodeMedia{
		Sources: []model.Source{},
		Name:    ep.Name,
		Skips:   model.Skips{Opening: orEmpty(ep.Skips.Opening), Ending: orEmpty(ep.Skips.Ending)},
		Preview: s.mediaURL(host, ep.Preview, s.proxySources),
	}
	for _, r := range []struct {
		path    *string
		quality string
	}{
		{ep.HLS.FHD, "1080p"},
		{ep.HLS.HD, "720p"},
		{ep.HLS.SD, "480p"},
	} {
		if u := s.mediaURL(host, r.path, s.proxySources); u != nil {
			media.Sources = append(media.Sources, model.Source{URL: *u, Quality: r.quality, IsM3U8: true})
		}
	}
	return media
}

// mediaURL returns https://<host><path>, wrapped in the relay path when
// proxied is set, or nil for an empty path.
func (s *CatalogService) mediaURL(host string, path *string, proxied bool) *string {
	if path == nil || *path == "" {
		return nil
	}
	u := "https://" + host + *path
	if proxied && s.relay != nil {
		u = s.relay.RelayURL(u)
	}
	return &u
}

func (s *CatalogService) host(p *model.Player) string {
	if p == nil || p.Host == "" {
		return s.playerHost
	}
	return p.Host
}

func (s *CatalogService) imageOf(t *model.Title) *string {
	if t.Posters == nil || t.Posters.Original == nil || t.Posters.Original.URL == "" {
		return nil
	}
	u := s.cdnURL + t.Posters.Original.URL
	return &u
}

func statusOf(t *model.Title) string {
	if t.Status == nil || t.Status.String == "" {
		return unknownStatus
	}
	return t.Status.String
}

func episodesLabel(tt *model.TitleType) string {
	if tt == nil || !tt.Episodes.Valid || tt.Episodes.Value == 0 {
		return "? эп."
	}
	return strconv.Itoa(tt.Episodes.Value) + " эп."
}

func genresOf(t *model.Title) []string {
	return orEmpty(t.Genres)
}

// nonZero treats 0 like an absent value.
func nonZero(f model.FlexInt) *int {
	if f.Value == 0 {
		return nil
	}
	return f.Ptr()
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
