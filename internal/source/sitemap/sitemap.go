// Package sitemap discovers AASX packages by walking site sitemaps. For
// each configured site it resolves the sitemap location from robots.txt
// (falling back to the conventional paths), walks nested sitemap indexes to
// a bounded depth, and fetches the pages most likely to link AASX files.
package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/fetch"
	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/metrics"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

const (
	maxDepth        = 2
	maxNestedPerMap = 5
	maxBodyBytes    = 10 * 1024 * 1024
)

// commonSitemapPaths are tried in order when robots.txt names no sitemap.
var commonSitemapPaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap/sitemap.xml"}

// pageKeywords mark sitemap entries worth fetching. The match is against
// the URL path only, so a vendor named "aas-corp.example" does not make
// every page on the site relevant.
var pageKeywords = []string{"aasx", "aas", "asset-administration", "digital-twin", "sample", "download"}

// Config holds the sitemap source settings.
type Config struct {
	Sites           []string
	Allowlist       *harvest.Allowlist
	MaxResults      int
	MaxPagesPerSite int
	UserAgent       string
	Timeout         time.Duration
}

// Source implements harvest.Source by crawling sitemaps.
type Source struct {
	cfg     Config
	client  *http.Client
	fetcher *fetch.PageFetcher
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a sitemap source.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Source {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.MaxPagesPerSite <= 0 {
		cfg.MaxPagesPerSite = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		fetcher: fetch.NewPageFetcher(cfg.UserAgent, cfg.Timeout, limiter),
		limiter: limiter,
		logger:  logger.Named("sitemap"),
	}
}

// Name reports the source type recorded in provenance.
func (s *Source) Name() harvest.SourceType { return harvest.SourceSitemap }

// Discover walks every configured site until the result cap is reached. The
// sitemap source keeps no cursor, so the state passes through untouched.
func (s *Source) Discover(ctx context.Context, st harvest.State) ([]harvest.Candidate, harvest.State, error) {
	var candidates []harvest.Candidate

	for _, site := range s.cfg.Sites {
		if len(candidates) >= s.cfg.MaxResults {
			break
		}
		if err := ctx.Err(); err != nil {
			return candidates, st, err
		}
		candidates = append(candidates, s.discoverSite(ctx, site)...)
	}

	if len(candidates) > s.cfg.MaxResults {
		candidates = candidates[:s.cfg.MaxResults]
	}
	metrics.ObserveCandidates(string(harvest.SourceSitemap), len(candidates))
	s.logger.Info("discovery complete", zap.Int("candidates", len(candidates)))
	return candidates, st, nil
}

// discoverSite resolves a site's sitemaps, collects its page URLs, and
// crawls the pages that look AASX-related.
func (s *Source) discoverSite(ctx context.Context, site string) []harvest.Candidate {
	sitemaps := s.sitemapURLs(ctx, site)
	if len(sitemaps) == 0 {
		s.logger.Info("no sitemap found", zap.String("site", site))
		return nil
	}

	var pages []string
	for _, sm := range sitemaps {
		pages = append(pages, s.walkSitemap(ctx, sm, 0)...)
	}

	var relevant []string
	for _, page := range pages {
		if looksRelevant(page) {
			relevant = append(relevant, page)
		}
	}
	s.logger.Info("sitemap pages collected",
		zap.String("site", site),
		zap.Int("total", len(pages)),
		zap.Int("relevant", len(relevant)))

	if len(relevant) > s.cfg.MaxPagesPerSite {
		relevant = relevant[:s.cfg.MaxPagesPerSite]
	}

	var candidates []harvest.Candidate
	for _, page := range relevant {
		candidates = append(candidates, s.crawlPage(ctx, page)...)
	}
	return candidates
}

// sitemapURLs finds a site's sitemaps: the Sitemap lines of robots.txt when
// present, otherwise the first conventional path that serves sitemap XML.
func (s *Source) sitemapURLs(ctx context.Context, site string) []string {
	robotsURL := resolveRef(site, "/robots.txt")
	if body, err := s.fetchText(ctx, robotsURL); err == nil {
		if found := sitemapsFromRobots(body, site); len(found) > 0 {
			return found
		}
	}

	for _, path := range commonSitemapPaths {
		candidate := resolveRef(site, path)
		body, err := s.fetchText(ctx, candidate)
		if err != nil {
			continue
		}
		if strings.Contains(body, "<urlset") || strings.Contains(body, "<sitemapindex") {
			return []string{candidate}
		}
	}
	return nil
}

// walkSitemap parses one sitemap document and returns its page URLs,
// recursing into at most maxNestedPerMap nested sitemaps per level and at
// most maxDepth levels deep.
func (s *Source) walkSitemap(ctx context.Context, sitemapURL string, depth int) []string {
	if depth > maxDepth {
		return nil
	}
	body, err := s.fetchText(ctx, sitemapURL)
	if err != nil {
		s.logger.Debug("sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}

	pages, nested, err := parseSitemap([]byte(body))
	if err != nil {
		s.logger.Warn("sitemap parse failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}

	if len(nested) > maxNestedPerMap {
		nested = nested[:maxNestedPerMap]
	}
	for _, child := range nested {
		pages = append(pages, s.walkSitemap(ctx, child, depth+1)...)
	}
	return pages
}

// crawlPage yields candidates from one relevant page. A page URL that is
// itself an .aasx file becomes a candidate directly without fetching it;
// anything else is fetched and scanned for .aasx links.
func (s *Source) crawlPage(ctx context.Context, pageURL string) []harvest.Candidate {
	if harvest.HasExtension(pageURL, "aasx") {
		if !s.cfg.Allowlist.AllowsURL(pageURL) {
			return nil
		}
		return []harvest.Candidate{{
			URL:        pageURL,
			SourceType: harvest.SourceSitemap,
			SourceRef:  pageURL,
			Filename:   harvest.FilenameFromURL(pageURL),
		}}
	}

	links, err := s.fetcher.AASXLinks(ctx, pageURL)
	if err != nil {
		s.logger.Debug("page fetch failed", zap.String("url", pageURL), zap.Error(err))
		return nil
	}

	var candidates []harvest.Candidate
	for _, link := range links {
		if !s.cfg.Allowlist.AllowsURL(link) {
			continue
		}
		candidates = append(candidates, harvest.Candidate{
			URL:        link,
			SourceType: harvest.SourceSitemap,
			SourceRef:  pageURL,
			Filename:   harvest.FilenameFromURL(link),
		})
	}
	return candidates
}

// fetchText performs a rate-limited GET and returns the body as text.
func (s *Source) fetchText(ctx context.Context, rawURL string) (string, error) {
	if err := s.limiter.Acquire(ctx, ratelimit.ClassWeb); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.limiter.RecordFailure(ratelimit.ClassWeb)
		return "", fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.limiter.RecordFailure(ratelimit.ClassWeb)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("get %s: status %d", rawURL, resp.StatusCode)
	}
	s.limiter.RecordSuccess(ratelimit.ClassWeb)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	return string(body), nil
}

// sitemapDoc covers both the sitemapindex and urlset document shapes. The
// tags carry no namespace, so documents with and without the sitemaps.org
// namespace both decode.
type sitemapDoc struct {
	Sitemaps []locEntry `xml:"sitemap"`
	URLs     []locEntry `xml:"url"`
}

type locEntry struct {
	Loc string `xml:"loc"`
}

// parseSitemap extracts page URLs and nested sitemap URLs from a sitemap
// document.
func parseSitemap(data []byte) (pages []string, nested []string, err error) {
	var doc sitemapDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse sitemap xml: %w", err)
	}
	for _, entry := range doc.URLs {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			pages = append(pages, loc)
		}
	}
	for _, entry := range doc.Sitemaps {
		if loc := strings.TrimSpace(entry.Loc); loc != "" {
			nested = append(nested, loc)
		}
	}
	return pages, nested, nil
}

// sitemapsFromRobots extracts Sitemap directives from robots.txt, resolving
// relative values against the site base.
func sitemapsFromRobots(content, base string) []string {
	var sitemaps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < len("sitemap:") || !strings.EqualFold(line[:len("sitemap:")], "sitemap:") {
			continue
		}
		value := strings.TrimSpace(line[len("sitemap:"):])
		if value == "" {
			continue
		}
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			value = resolveRef(base, value)
		}
		sitemaps = append(sitemaps, value)
	}
	return sitemaps
}

// looksRelevant reports whether a page URL is worth fetching: direct .aasx
// files always are, otherwise the path must contain one of the keywords.
func looksRelevant(pageURL string) bool {
	if harvest.HasExtension(pageURL, "aasx") {
		return true
	}
	u, err := url.Parse(strings.ToLower(pageURL))
	if err != nil {
		return false
	}
	for _, kw := range pageKeywords {
		if strings.Contains(u.Path, kw) {
			return true
		}
	}
	return false
}

// resolveRef resolves ref against base the way a browser would.
func resolveRef(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
