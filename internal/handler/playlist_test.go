package handler

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"anime-relay/internal/config"
	"anime-relay/internal/service"
)

const mediaPlaylist = "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nfff_0001.ts\n#EXT-X-ENDLIST\n"

// cdnServer serves one media playlist with a relative segment URI and its segment.
func cdnServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v/1/1080.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			_, _ = w.Write([]byte(mediaPlaylist))
		case "/v/1/fff_0001.ts":
			w.Header().Set("Content-Type", "video/mp2t")
			_, _ = w.Write([]byte("segment-1"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// segmentLine returns the first URI line of an HLS playlist.
func segmentLine(t *testing.T, playlist string) string {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(playlist))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	t.Fatalf("no URI line in playlist %q", playlist)
	return ""
}

func TestShippedConfig_RelayedSourcesPlay(t *testing.T) {
	cfg, err := config.Load(&config.CLI{Config: filepath.Join("..", "..", "configs", "config.toml")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Metadata.SourcesProxied() || !cfg.PlaylistRewrite() {
		t.Fatalf("proxy_sources = %v, rewrite_playlists = %v; relayed sources need rewritten playlists",
			cfg.Metadata.SourcesProxied(), cfg.PlaylistRewrite())
	}

	up := newMetadataUpstream(t)
	cdn := cdnServer(t)
	cfg.Metadata.BaseURL = up.URL
	e, _ := newTestServer(t, cfg)

	// The player is handed a relay URL for the playlist.
	rec := serve(e, http.MethodGet, "/api/anime/9000/episode/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("episode status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	source := decodeBody(t, rec)["sources"].([]any)[0].(map[string]any)["url"]
	if want := "/proxy/video/" + service.EncodeTarget("https://cache.example/v/1/1080.m3u8"); source != want {
		t.Fatalf("source url = %v, want %q", source, want)
	}

	// The same playlist served by a plain-HTTP CDN, fetched through the relay.
	playlistPath := "/proxy/video/" + service.EncodeTarget(cdn.URL+"/v/1/1080.m3u8")
	rec = serve(e, http.MethodGet, playlistPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}

	// Resolve the segment the way a browser does, against the playlist's relay URL.
	base, err := url.Parse("http://relay.local" + playlistPath)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := url.Parse(segmentLine(t, rec.Body.String()))
	if err != nil {
		t.Fatal(err)
	}
	segmentURI := base.ResolveReference(ref).RequestURI()

	target, err := service.DecodeTarget(service.ExtractSuffix(segmentURI, config.DefaultRelayPrefix))
	if err != nil {
		t.Fatalf("DecodeTarget(%q) error = %v", segmentURI, err)
	}
	if want := cdn.URL + "/v/1/fff_0001.ts"; target != want {
		t.Fatalf("segment target = %q, want %q", target, want)
	}

	rec = serve(e, http.MethodGet, segmentURI, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "segment-1" {
		t.Errorf("segment = %d %q, want 200 %q", rec.Code, rec.Body.String(), "segment-1")
	}
}

func TestPlaylist_PassedThroughWhenRewriteOff(t *testing.T) {
	cdn := cdnServer(t)
	cfg := testConfig("https://metadata.invalid")
	off := false
	cfg.Relay.RewritePlaylists = &off
	e, _ := newTestServer(t, cfg)

	rec := serve(e, http.MethodGet, "/proxy/video/"+service.EncodeTarget(cdn.URL+"/v/1/1080.m3u8"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != mediaPlaylist {
		t.Errorf("body = %q, want playlist untouched", rec.Body.String())
	}
}
