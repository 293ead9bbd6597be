// Package seed discovers AASX packages on curated seed pages. Each seed is
// one known index or download page; the source fetches it once per run and
// extracts every .aasx link, so the crawl surface stays exactly as wide as
// the curated list.
package seed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/config"
	"github.com/open-aasx-index/harvester/internal/fetch"
	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/metrics"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

// Config holds the seed source settings.
type Config struct {
	Seeds      []config.SeedEntry
	Allowlist  *harvest.Allowlist
	MaxResults int
	UserAgent  string
	Timeout    time.Duration
}

// Source implements harvest.Source over the curated seed list.
type Source struct {
	cfg     Config
	fetcher *fetch.PageFetcher
	logger  *zap.Logger
}

// New builds a seed source.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Source {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	return &Source{
		cfg:     cfg,
		fetcher: fetch.NewPageFetcher(cfg.UserAgent, cfg.Timeout, limiter),
		logger:  logger.Named("seed"),
	}
}

// Name reports the source type recorded in provenance.
func (s *Source) Name() harvest.SourceType { return harvest.SourceSeed }

// Discover crawls each seed page in order until the result cap is reached.
// Seed discovery keeps no cursor, so the state passes through untouched. A
// seed page that fails to fetch is logged and skipped; it never aborts the
// other seeds.
func (s *Source) Discover(ctx context.Context, st harvest.State) ([]harvest.Candidate, harvest.State, error) {
	var candidates []harvest.Candidate

	for _, entry := range s.cfg.Seeds {
		if len(candidates) >= s.cfg.MaxResults {
			break
		}
		if err := ctx.Err(); err != nil {
			return candidates, st, err
		}

		links, err := s.fetcher.AASXLinks(ctx, entry.URL)
		if err != nil {
			s.logger.Warn("seed fetch failed",
				zap.String("seed", entry.Name),
				zap.String("url", entry.URL),
				zap.Error(err))
			continue
		}

		found := 0
		for _, link := range links {
			if !s.cfg.Allowlist.AllowsURL(link) {
				s.logger.Debug("link outside allowed domains", zap.String("url", link))
				continue
			}
			candidates = append(candidates, harvest.Candidate{
				URL:        link,
				SourceType: harvest.SourceSeed,
				SourceRef:  entry.URL,
				Filename:   harvest.FilenameFromURL(link),
			})
			found++
		}
		s.logger.Info("seed crawled",
			zap.String("seed", entry.Name),
			zap.Int("links", found))
	}

	if len(candidates) > s.cfg.MaxResults {
		candidates = candidates[:s.cfg.MaxResults]
	}
	metrics.ObserveCandidates(string(harvest.SourceSeed), len(candidates))
	return candidates, st, nil
}
