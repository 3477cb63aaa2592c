// Package service implements the relay and catalog logic between the HTTP
// handlers and the upstream clients.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"anime-relay/internal/client"
	"anime-relay/internal/config"
	"anime-relay/internal/model"
)

var (
	// ErrMissingTarget is returned when nothing follows the relay prefix.
	ErrMissingTarget = errors.New("URL not provided")
	// ErrMalformedTarget is returned when the target is not valid percent-encoding.
	ErrMalformedTarget = errors.New("malformed target URL")
)

// maxPlaylistBytes bounds how much of a playlist is buffered for rewriting.
// Larger bodies are streamed untouched.
const maxPlaylistBytes = 8 << 20

// forwardableRequestHeaders are the only inbound headers sent upstream.
var forwardableRequestHeaders = []string{
	"Range",
}

// forwardableResponseHeaders are copied to the client only when upstream sent them.
var forwardableResponseHeaders = []string{
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Cache-Control",
}

// playlistURIAttr matches URI="..." attributes of EXT-X-KEY, EXT-X-MAP and EXT-X-MEDIA tags.
var playlistURIAttr = regexp.MustCompile(`URI="([^"]*)"`)

// MediaFetcher performs one upstream media request.
type MediaFetcher interface {
	FetchThroughProxy(ctx context.Context, rr model.RelayRequest) (*model.RelayResponse, error)
}

// RelayService decodes relay targets, fetches them through the media client
// and translates the response headers.
type RelayService struct {
	media   MediaFetcher
	prefix  string
	rewrite bool
	logger  *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(media *client.MediaClient, cfg *config.Config, logger *slog.Logger) *RelayService {
	return newRelayService(media, cfg.PlaylistRewrite(), logger)
}

func newRelayService(media MediaFetcher, rewrite bool, logger *slog.Logger) *RelayService {
	return &RelayService{
		media:   media,
		prefix:  config.DefaultRelayPrefix,
		rewrite: rewrite,
		logger:  logger.With("component", "relay_service"),
	}
}

// ExtractSuffix returns everything after the first occurrence of prefix in
// the raw request URI, query string included. It returns "" when the prefix
// is absent.
func ExtractSuffix(requestURI, prefix string) string {
	i := strings.Index(requestURI, prefix)
	if i < 0 {
		return ""
	}
	return requestURI[i+len(prefix):]
}

// DecodeTarget decodes the encoded target once with path semantics ("+" is
// kept) and prefixes https:// when no http(s) scheme is present.
func DecodeTarget(suffix string) (string, error) {
	if suffix == "" {
		return "", ErrMissingTarget
	}
	decoded, err := url.PathUnescape(suffix)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedTarget, err)
	}
	if decoded == "" {
		return "", ErrMissingTarget
	}
	return client.NormalizeTarget(decoded), nil
}

// EncodeTarget is the inverse of DecodeTarget for absolute URLs. Every byte
// outside the unreserved set is percent-encoded, spaces included.
func EncodeTarget(target string) string {
	return strings.ReplaceAll(url.QueryEscape(target), "+", "%20")
}

// RelayURL returns the relay path that fetches target.
func (s *RelayService) RelayURL(target string) string {
	return s.prefix + EncodeTarget(target)
}

// BuildOutboundHeaders keeps only the Range header of the inbound request.
func BuildOutboundHeaders(in http.Header) http.Header {
	out := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if v := in.Get(key); v != "" {
			out.Set(key, v)
		}
	}
	return out
}

// BuildResponseHeaders builds the client response headers: fixed CORS
// headers, a Content-Type that defaults to application/octet-stream and the
// passthrough headers upstream actually sent.
func BuildResponseHeaders(upstream http.Header) http.Header {
	out := make(http.Header)
	out.Set("Access-Control-Allow-Origin", "*")
	out.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	out.Set("Access-Control-Allow-Headers", "*")

	contentType := upstream.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	out.Set("Content-Type", contentType)

	for _, key := range forwardableResponseHeaders {
		if v := upstream.Get(key); v != "" {
			out.Set(key, v)
		}
	}
	return out
}

// Fetch relays one request to target. The returned response carries the
// translated headers; the caller must close its body.
func (s *RelayService) Fetch(ctx context.Context, method, target string, inbound http.Header) (*model.RelayResponse, error) {
	out := BuildOutboundHeaders(inbound)

	resp, err := s.media.FetchThroughProxy(ctx, model.RelayRequest{
		Method:    method,
		TargetURL: target,
		Range:     out.Get("Range"),
	})
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if s.rewrite && method != http.MethodHead && resp.StatusCode == http.StatusOK &&
		IsPlaylist(resp.Header.Get("Content-Type"), target) {
		s.rewriteBody(resp, target)
	}

	resp.Header = BuildResponseHeaders(resp.Header)
	return resp, nil
}

// rewriteBody replaces resp.Body with a rewritten playlist. Bodies over
// maxPlaylistBytes or that fail to read are passed through as-is.
func (s *RelayService) rewriteBody(resp *model.RelayResponse, target string) {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes+1))
	if err != nil || len(buf) > maxPlaylistBytes {
		s.logger.Warn("playlist not rewritten",
			"bytes_read", len(buf),
			"error", client.RedactError(err),
		)
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return
	}
	_ = resp.Body.Close()

	rewritten := RewritePlaylist(buf, target, s.prefix)
	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
}

// IsPlaylist reports whether a response is an HLS playlist, judged by its
// Content-Type or the target path.
func IsPlaylist(contentType, target string) bool {
	if strings.Contains(strings.ToLower(contentType), "mpegurl") {
		return true
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// RewritePlaylist resolves every URI line and URI attribute of an HLS
// playlist against playlistURL and points it at the relay under prefix.
// Comments, tags and blank lines are kept. Line endings are preserved.
func RewritePlaylist(body []byte, playlistURL, prefix string) []byte {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return body
	}

	relay := func(ref string) string {
		u, err := url.Parse(strings.TrimSpace(ref))
		if err != nil {
			return ref
		}
		return prefix + EncodeTarget(base.ResolveReference(u).String())
	}

	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		cr := trimmed != line

		switch {
		case strings.TrimSpace(trimmed) == "":
			continue
		case strings.HasPrefix(trimmed, "#"):
			trimmed = playlistURIAttr.ReplaceAllStringFunc(trimmed, func(attr string) string {
				ref := playlistURIAttr.FindStringSubmatch(attr)[1]
				if ref == "" {
					return attr
				}
				return `URI="` + relay(ref) + `"`
			})
		default:
			trimmed = relay(trimmed)
		}

		if cr {
			trimmed += "\r"
		}
		lines[i] = trimmed
	}
	return []byte(strings.Join(lines, "\n"))
}
