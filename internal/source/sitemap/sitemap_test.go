package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

func fastLimiter() *ratelimit.Limiter {
	cfg := ratelimit.DefaultConfig()
	cfg.WebPerSecond = 1000
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	return ratelimit.New(cfg)
}

func TestParseSitemapWithAndWithoutNamespace(t *testing.T) {
	withNS := `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/aasx/samples</loc></url>
  <url><loc> https://example.com/other </loc></url>
</urlset>`
	pages, nested, err := parseSitemap([]byte(withNS))
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/aasx/samples", "https://example.com/other"}, pages)
	require.Empty(t, nested)

	index := `<sitemapindex>
  <sitemap><loc>https://example.com/sitemap-a.xml</loc></sitemap>
  <sitemap><loc>https://example.com/sitemap-b.xml</loc></sitemap>
</sitemapindex>`
	pages, nested, err = parseSitemap([]byte(index))
	require.NoError(t, err)
	require.Empty(t, pages)
	require.Equal(t, []string{"https://example.com/sitemap-a.xml", "https://example.com/sitemap-b.xml"}, nested)

	_, _, err = parseSitemap([]byte("not xml at all <"))
	require.Error(t, err)
}

func TestSitemapsFromRobots(t *testing.T) {
	robots := "User-agent: *\nDisallow: /private\nSitemap: https://example.com/map.xml\nsitemap: /relative.xml\n"
	found := sitemapsFromRobots(robots, "https://example.com")
	require.Equal(t, []string{"https://example.com/map.xml", "https://example.com/relative.xml"}, found)

	require.Empty(t, sitemapsFromRobots("User-agent: *\nAllow: /\n", "https://example.com"))
}

func TestLooksRelevant(t *testing.T) {
	require.True(t, looksRelevant("https://example.com/files/motor.AASX"))
	require.True(t, looksRelevant("https://example.com/downloads/2024"))
	require.True(t, looksRelevant("https://example.com/digital-twin/intro"))
	require.False(t, looksRelevant("https://example.com/about"))
	require.False(t, looksRelevant("https://aas-corp.example.com/pricing"), "keywords match the path only")
}

func TestDiscoverWalksSitemapToCandidates(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Sitemap: %s/sitemap-index.xml\n", srv.URL)
	})
	mux.HandleFunc("/sitemap-index.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<sitemapindex><sitemap><loc>%s/sitemap.xml</loc></sitemap></sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset>
			<url><loc>%s/samples/downloads</loc></url>
			<url><loc>%s/direct/valve.aasx</loc></url>
			<url><loc>%s/pricing</loc></url>
		</urlset>`, srv.URL, srv.URL, srv.URL)
	})
	mux.HandleFunc("/samples/downloads", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a href="motor.aasx">Motor</a><a href="notes.txt">Notes</a>`)
	})

	src := New(Config{Sites: []string{srv.URL}}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	urls := []string{candidates[0].URL, candidates[1].URL}
	require.Contains(t, urls, srv.URL+"/samples/downloads/motor.aasx")
	require.Contains(t, urls, srv.URL+"/direct/valve.aasx")
	for _, c := range candidates {
		require.Equal(t, harvest.SourceSitemap, c.SourceType)
	}
}

func TestDiscoverFallsBackToCommonSitemapPath(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>%s/models/pump.aasx</loc></url></urlset>`, srv.URL)
	})

	src := New(Config{Sites: []string{srv.URL}}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, srv.URL+"/models/pump.aasx", candidates[0].URL)
	require.Equal(t, candidates[0].URL, candidates[0].SourceRef, "direct sitemap entries reference themselves")
}

func TestDiscoverHonorsAllowlist(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<urlset><url><loc>https://other.example.com/models/pump.aasx</loc></url></urlset>`)
	})

	src := New(Config{
		Sites:     []string{srv.URL},
		Allowlist: harvest.NewAllowlist([]string{"127.0.0.1"}),
	}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Empty(t, candidates)
}
