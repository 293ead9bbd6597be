// Package fetch provides the Colly-backed page fetcher shared by the web
// discovery sources. All fetches go through the "web" rate limit class.
package fetch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

// PageFetcher fetches HTML pages and extracts AASX links from them.
type PageFetcher struct {
	baseCollector *colly.Collector
	limiter       *ratelimit.Limiter
}

// NewPageFetcher builds a fetcher with a shared base collector. Each fetch
// clones the collector, so callers may use one fetcher for many pages.
func NewPageFetcher(userAgent string, timeout time.Duration, limiter *ratelimit.Limiter) *PageFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = false
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	c.SetRequestTimeout(timeout)
	return &PageFetcher{baseCollector: c, limiter: limiter}
}

// AASXLinks fetches one page and returns the absolute URLs of every .aasx
// anchor on it, deduplicated and sorted. Relative hrefs resolve against the
// page URL.
func (f *PageFetcher) AASXLinks(ctx context.Context, pageURL string) ([]string, error) {
	if err := f.limiter.Acquire(ctx, ratelimit.ClassWeb); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var fetchErr error

	collector := f.baseCollector.Clone()
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if !harvest.HasExtension(href, "aasx") {
			return
		}
		abs := e.Request.AbsoluteURL(href)
		if abs == "" {
			return
		}
		seen[abs] = struct{}{}
	})
	collector.OnError(func(resp *colly.Response, err error) {
		fetchErr = err
		if resp != nil {
			f.limiter.RecordFailure(ratelimit.ClassWeb)
		}
	})
	collector.OnResponse(func(resp *colly.Response) {
		f.limiter.RecordSuccess(ratelimit.ClassWeb)
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", pageURL, err)
		}
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, fetchErr)
	}

	links := make([]string, 0, len(seen))
	for link := range seen {
		links = append(links, link)
	}
	sort.Strings(links)
	return links, nil
}
