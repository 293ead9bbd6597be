// Package commoncrawl discovers AASX packages through the Common Crawl CDX
// index. One run executes a single CDX query and stores the pagination
// token, so successive runs page through the index without replaying it.
package commoncrawl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/metrics"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

// DefaultIndexURL is the CDX collection queried when none is configured.
const DefaultIndexURL = "https://index.commoncrawl.org/CC-MAIN-2024-10-index"

// nextPageHeader carries the resumption token for the next CDX page.
const nextPageHeader = "X-CDX-Next-Page-Token"

// Config holds the Common Crawl source settings.
type Config struct {
	IndexURL   string
	Allowlist  *harvest.Allowlist
	MaxResults int
	UserAgent  string
	Timeout    time.Duration
}

// Source implements harvest.Source against the CDX API.
type Source struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a Common Crawl source.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Source {
	if cfg.IndexURL == "" {
		cfg.IndexURL = DefaultIndexURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.Named("commoncrawl"),
	}
}

// Name reports the source type recorded in provenance.
func (s *Source) Name() harvest.SourceType { return harvest.SourceCommonCrawl }

// cdxRecord is one line of the CDX NDJSON response. Only the fields the
// harvester reads are declared.
type cdxRecord struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
}

// Discover runs one CDX page: every record is filtered down to .aasx URLs
// not yet processed, its domain is recorded for curation review, and the
// allowlist gates what becomes a candidate. The next-page token replaces the
// stored cursor even when it is empty, so an exhausted index starts over on
// the following run.
func (s *Source) Discover(ctx context.Context, st harvest.State) ([]harvest.Candidate, harvest.State, error) {
	st.Normalize()

	limit := s.cfg.MaxResults * 2
	if limit > 200 {
		limit = 200
	}
	records, nextCursor, err := s.queryCDX(ctx, "*.aasx", limit, st.CommonCrawl.Cursor)
	if err != nil {
		s.logger.Warn("cdx query failed", zap.Error(err))
		return nil, st, nil
	}

	var candidates []harvest.Candidate
	var newDomains []string

	for _, record := range records {
		if record.URL == "" || st.CommonCrawl.ProcessedURLs.Has(record.URL) {
			continue
		}
		if !harvest.HasExtension(record.URL, "aasx") {
			continue
		}

		domain := harvest.HostFromURL(record.URL)
		if domain != "" && !st.CommonCrawl.DiscoveredDomains.Has(domain) {
			st.CommonCrawl.DiscoveredDomains.Add(domain)
			newDomains = append(newDomains, domain)
		}

		if !s.cfg.Allowlist.AllowsURL(record.URL) {
			s.logger.Debug("url outside allowed domains", zap.String("url", record.URL))
			continue
		}

		candidates = append(candidates, harvest.Candidate{
			URL:        record.URL,
			SourceType: harvest.SourceCommonCrawl,
			SourceRef:  "commoncrawl",
			Filename:   harvest.FilenameFromURL(record.URL),
			Timestamp:  record.Timestamp,
		})
		st.CommonCrawl.ProcessedURLs.Add(record.URL)

		if len(candidates) >= s.cfg.MaxResults {
			break
		}
	}

	if len(newDomains) > 0 {
		s.logger.Info("new domains serving aasx files",
			zap.Int("count", len(newDomains)),
			zap.Strings("domains", headOf(newDomains, 10)))
	}

	st.CommonCrawl.Cursor = nextCursor
	metrics.ObserveCandidates(string(harvest.SourceCommonCrawl), len(candidates))
	s.logger.Info("discovery complete", zap.Int("candidates", len(candidates)))
	return candidates, st, nil
}

// queryCDX fetches one page of CDX results as NDJSON. Lines that fail to
// decode are skipped; the next-page token comes from the response header.
func (s *Source) queryCDX(ctx context.Context, pattern string, limit int, cursor string) ([]cdxRecord, string, error) {
	if err := s.limiter.Acquire(ctx, ratelimit.ClassWeb); err != nil {
		return nil, "", err
	}

	params := url.Values{}
	params.Set("url", pattern)
	params.Set("output", "json")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("matchType", "domain")
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.IndexURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.limiter.RecordFailure(ratelimit.ClassWeb)
		return nil, "", fmt.Errorf("cdx query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.limiter.RecordFailure(ratelimit.ClassWeb)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("cdx query: status %d", resp.StatusCode)
	}
	s.limiter.RecordSuccess(ratelimit.ClassWeb)

	var records []cdxRecord
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record cdxRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("read cdx response: %w", err)
	}

	return records, resp.Header.Get(nextPageHeader), nil
}

func headOf(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
