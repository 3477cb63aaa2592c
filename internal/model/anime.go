package model

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Upstream (Anilibria v3) schema. Every field is optional; absent values
// decode to their zero value and the catalog mapping applies defaults.

// Title is a single title as returned by /title, /title/updates and /title/search.
type Title struct {
	ID          int        `json:"id"`
	Code        string     `json:"code"`
	Names       Names      `json:"names"`
	Description string     `json:"description"`
	Status      *Status    `json:"status"`
	Posters     *Posters   `json:"posters"`
	Type        *TitleType `json:"type"`
	Genres      []string   `json:"genres"`
	Season      *Season    `json:"season"`
	Player      *Player    `json:"player"`
}

// TitleList wraps list endpoints.
type TitleList struct {
	List []Title `json:"list"`
}

type Names struct {
	RU          string  `json:"ru"`
	EN          string  `json:"en"`
	Alternative *string `json:"alternative"`
}

type Status struct {
	String string `json:"string"`
}

type Posters struct {
	Original *Poster `json:"original"`
}

type Poster struct {
	URL string `json:"url"`
}

type TitleType struct {
	FullString string  `json:"full_string"`
	Episodes   FlexInt `json:"episodes"`
}

type Season struct {
	Year   FlexInt `json:"year"`
	Code   FlexInt `json:"code"`
	String string  `json:"string"`
}

// Player holds the streaming host and the per-episode HLS paths.
type Player struct {
	Host string      `json:"host"`
	List EpisodeList `json:"list"`
}

// Episode is one entry of player.list.
type Episode struct {
	Episode FlexInt `json:"episode"`
	Name    *string `json:"name"`
	UUID    string  `json:"uuid"`
	Preview *string `json:"preview"`
	Skips   Skips   `json:"skips"`
	HLS     HLS     `json:"hls"`
}

// Skips marks opening/ending ranges in seconds.
type Skips struct {
	Opening []float64 `json:"opening"`
	Ending  []float64 `json:"ending"`
}

// HLS holds playlist paths relative to Player.Host.
type HLS struct {
	FHD *string `json:"fhd"`
	HD  *string `json:"hd"`
	SD  *string `json:"sd"`
}

// FlexInt decodes a JSON number or a numeric string. Anything else is treated as absent.
type FlexInt struct {
	Value int
	Valid bool
}

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(strings.Trim(string(b), `"`))
	*f = FlexInt{}
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*f = FlexInt{Value: n, Valid: true}
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		*f = FlexInt{Value: int(v), Valid: true}
	}
	return nil
}

// Ptr returns a pointer to the value, or nil when absent.
func (f FlexInt) Ptr() *int {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// EpisodeList is keyed by episode number. Upstream sends either an object
// keyed by the number as a string or a plain array.
type EpisodeList map[int]Episode

func (l *EpisodeList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	out := EpisodeList{}

	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
	case b[0] == '[':
		var eps []Episode
		if err := json.Unmarshal(b, &eps); err != nil {
			return err
		}
		for _, ep := range eps {
			if ep.Episode.Valid {
				out[ep.Episode.Value] = ep
			}
		}
	default:
		var byKey map[string]Episode
		if err := json.Unmarshal(b, &byKey); err != nil {
			return err
		}
		for key, ep := range byKey {
			n, err := strconv.Atoi(strings.TrimSpace(key))
			if err != nil {
				if !ep.Episode.Valid {
					continue
				}
				n = ep.Episode.Value
			}
			out[n] = ep
		}
	}

	*l = out
	return nil
}

// Output schema served to the browser client.

// TitleSummary is a list card.
type TitleSummary struct {
	ID          int           `json:"id"`
	Title       string        `json:"title"`
	TitleEN     string        `json:"title_en"`
	Code        string        `json:"code"`
	Status      string        `json:"status"`
	Image       *string       `json:"image"`
	Description string        `json:"description"`
	Episodes    string        `json:"episodes"`
	Genres      []string      `json:"genres"`
	Season      SeasonSummary `json:"season"`
}

type SeasonSummary struct {
	Year   *int   `json:"year"`
	Code   *int   `json:"code"`
	String string `json:"string"`
}

// TitlePage is the response of list endpoints. HasNextPage is omitted for search.
type TitlePage struct {
	Results     []TitleSummary `json:"results"`
	HasNextPage *bool          `json:"hasNextPage,omitempty"`
}

// TitleDetail is the response of the detail endpoint.
type TitleDetail struct {
	Info     TitleInfo    `json:"info"`
	Episodes []EpisodeRef `json:"episodes"`
}

type TitleInfo struct {
	Title         string       `json:"title"`
	TitleEN       string       `json:"title_en"`
	TitleJapanese *string      `json:"title_japanese"`
	Synopsis      string       `json:"synopsis"`
	Image         *string      `json:"image"`
	Type          string       `json:"type"`
	Episodes      EpisodeCount `json:"episodes"`
	Status        string       `json:"status"`
	Year          *int         `json:"year"`
	Genres        []string     `json:"genres"`
	Season        DetailSeason `json:"season"`
}

type DetailSeason struct {
	Year   *int   `json:"year"`
	String string `json:"string"`
}

// EpisodeCount encodes as a number when known and as "?" otherwise.
type EpisodeCount struct {
	N     int
	Known bool
}

func (e EpisodeCount) MarshalJSON() ([]byte, error) {
	if !e.Known {
		return []byte(`"?"`), nil
	}
	return []byte(strconv.Itoa(e.N)), nil
}

// EpisodeRef is one row of the detail page episode list.
type EpisodeRef struct {
	ID      string  `json:"id"`
	Title   *string `json:"title"`
	Episode int     `json:"episode"`
	Preview *string `json:"preview"`
}

// EpisodeMedia is what the player needs to start an episode.
type EpisodeMedia struct {
	Sources []Source `json:"sources"`
	Name    *string  `json:"name"`
	Skips   Skips    `json:"skips"`
	Preview *string  `json:"preview"`
}

// Source is one HLS rendition.
type Source struct {
	URL     string `json:"url"`
	Quality string `json:"quality"`
	IsM3U8  bool   `json:"isM3U8"`
}

type GenreList struct {
	Genres []string `json:"genres"`
}

type YearList struct {
	Years []int `json:"years"`
}

// TitleFilter is the catalog filter query. Zero values mean "not set".
type TitleFilter struct {
	Year       int    `query:"year" validate:"omitempty,min=1900,max=2100"`
	SeasonCode int    `query:"season_code" validate:"omitempty,min=1,max=4"`
	Genres     string `query:"genres" validate:"omitempty,max=256"`
	Page       int    `query:"page" validate:"omitempty,min=1"`
}
