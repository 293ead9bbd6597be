package seed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/config"
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

const seedPage = `<!DOCTYPE html>
<html><body>
<a href="files/motor.aasx">Motor</a>
<a href="/downloads/pump.AASX">Pump</a>
<a href="files/motor.aasx">Motor again</a>
<a href="https://elsewhere.example.com/valve.aasx">Valve</a>
<a href="files/readme.html">Docs</a>
</body></html>`

func TestDiscoverExtractsAndResolvesLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, seedPage)
	}))
	defer srv.Close()

	src := New(Config{
		Seeds: []config.SeedEntry{{URL: srv.URL + "/samples/", Name: "samples"}},
	}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Len(t, candidates, 3, "two page links deduped to one, plus pump and valve")

	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		require.Equal(t, harvest.SourceSeed, c.SourceType)
		require.Equal(t, srv.URL+"/samples/", c.SourceRef)
		urls = append(urls, c.URL)
	}
	require.Contains(t, urls, srv.URL+"/samples/files/motor.aasx")
	require.Contains(t, urls, srv.URL+"/downloads/pump.AASX")
	require.Contains(t, urls, "https://elsewhere.example.com/valve.aasx")
}

func TestDiscoverHonorsAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, seedPage)
	}))
	defer srv.Close()

	src := New(Config{
		Seeds:     []config.SeedEntry{{URL: srv.URL + "/samples/", Name: "samples"}},
		Allowlist: harvest.NewAllowlist([]string{"127.0.0.1"}),
	}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Len(t, candidates, 2, "the elsewhere.example.com link is filtered out")
	for _, c := range candidates {
		require.Equal(t, "127.0.0.1", harvest.HostFromURL(c.URL))
	}
}

func TestDiscoverSkipsFailingSeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `<a href="ok.aasx">ok</a>`)
	}))
	defer srv.Close()

	src := New(Config{
		Seeds: []config.SeedEntry{
			{URL: srv.URL + "/broken", Name: "broken"},
			{URL: srv.URL + "/good/", Name: "good"},
		},
	}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, srv.URL+"/good/ok.aasx", candidates[0].URL)
}

func TestDiscoverCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, `<a href="file%d.aasx">f</a>`, i)
		}
	}))
	defer srv.Close()

	src := New(Config{
		Seeds:      []config.SeedEntry{{URL: srv.URL + "/", Name: "big"}},
		MaxResults: 4,
	}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Len(t, candidates, 4)
}
