package commoncrawl

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

const cdxPage = `{"url": "https://factory.example.com/models/motor.aasx", "timestamp": "20240210120000"}
{"url": "https://factory.example.com/models/index.html", "timestamp": "20240210120001"}
not json at all
{"url": "https://other.example.org/twins/PUMP.AASX", "timestamp": "20240211000000"}

{"url": "https://factory.example.com/models/seen.aasx", "timestamp": "20240212000000"}
`

func TestDiscoverFiltersAndAdvancesCursor(t *testing.T) {
	var gotCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		w.Header().Set("X-CDX-Next-Page-Token", "page-2-token")
		fmt.Fprint(w, cdxPage)
	}))
	defer srv.Close()

	src := New(Config{IndexURL: srv.URL}, fastLimiter(), zap.NewNop())
	st := harvest.NewState()
	st.CommonCrawl.Cursor = "page-1-token"
	st.CommonCrawl.ProcessedURLs.Add("https://factory.example.com/models/seen.aasx")

	candidates, updated, err := src.Discover(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, "page-1-token", gotCursor)

	require.Len(t, candidates, 2, "html, garbage, and already processed lines drop out")
	require.Equal(t, "https://factory.example.com/models/motor.aasx", candidates[0].URL)
	require.Equal(t, "motor.aasx", candidates[0].Filename)
	require.Equal(t, "20240210120000", candidates[0].Timestamp)
	require.Equal(t, harvest.SourceCommonCrawl, candidates[0].SourceType)
	require.Equal(t, "commoncrawl", candidates[0].SourceRef)
	require.Equal(t, "https://other.example.org/twins/PUMP.AASX", candidates[1].URL)

	require.Equal(t, "page-2-token", updated.CommonCrawl.Cursor)
	require.True(t, updated.CommonCrawl.ProcessedURLs.Has("https://factory.example.com/models/motor.aasx"))
	require.True(t, updated.CommonCrawl.DiscoveredDomains.Has("factory.example.com"))
	require.True(t, updated.CommonCrawl.DiscoveredDomains.Has("other.example.org"))
}

func TestDiscoverRecordsDomainsBlockedByAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, cdxPage)
	}))
	defer srv.Close()

	src := New(Config{
		IndexURL:  srv.URL,
		Allowlist: harvest.NewAllowlist([]string{"factory.example.com"}),
	}, fastLimiter(), zap.NewNop())

	candidates, updated, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	require.Equal(t, "https://factory.example.com/models/motor.aasx", candidates[0].URL)
	require.True(t, updated.CommonCrawl.DiscoveredDomains.Has("other.example.org"),
		"blocked domains are still recorded for curation review")
	require.False(t, updated.CommonCrawl.ProcessedURLs.Has("https://other.example.org/twins/PUMP.AASX"),
		"blocked urls stay unprocessed in case the allowlist later admits them")
}

func TestDiscoverSurvivesCDXFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	src := New(Config{IndexURL: srv.URL}, fastLimiter(), zap.NewNop())
	st := harvest.NewState()
	st.CommonCrawl.Cursor = "keep-me"

	candidates, updated, err := src.Discover(context.Background(), st)
	require.NoError(t, err, "a cdx outage is logged, not fatal")
	require.Empty(t, candidates)
	require.Equal(t, "keep-me", updated.CommonCrawl.Cursor, "the cursor survives a failed query")
}

func TestDiscoverCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 30; i++ {
			fmt.Fprintf(w, "{\"url\": \"https://factory.example.com/m/file%d.aasx\", \"timestamp\": \"2024\"}\n", i)
		}
	}))
	defer srv.Close()

	src := New(Config{IndexURL: srv.URL, MaxResults: 5}, fastLimiter(), zap.NewNop())

	candidates, _, err := src.Discover(context.Background(), harvest.NewState())
	require.NoError(t, err)
	require.Len(t, candidates, 5)
}
