// Package github discovers AASX packages on GitHub through the code search
// and repository topic search APIs. Discovery is incremental: the code
// search page cursor and the set of repositories already searched live in
// the persisted harvest state, so repeated runs sweep forward instead of
// re-reading page one forever.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/metrics"
	"github.com/open-aasx-index/harvester/internal/ratelimit"
)

const (
	defaultAPIBase = "https://api.github.com"
	apiVersion     = "2022-11-28"
	codePerPage    = 30
	repoPerPage    = 30
	maxAttempts    = 5
)

// DefaultTopics are the repository topics searched when none are configured.
var DefaultTopics = []string{"aasx", "aas", "asset-administration-shell"}

var blobURLPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/blob/([^/]+)/(.+)$`)

// BlobToRawURL converts a github.com blob page URL into the matching
// raw.githubusercontent.com download URL. The second return is false for
// URLs that are not blob pages.
func BlobToRawURL(blobURL string) (string, bool) {
	m := blobURLPattern.FindStringSubmatch(blobURL)
	if m == nil {
		return "", false
	}
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", m[1], m[2], m[3], m[4]), true
}

// Config holds the GitHub source settings.
type Config struct {
	APIBase    string
	Token      string
	Topics     []string
	MaxResults int
	UserAgent  string
	Timeout    time.Duration
}

// Source implements harvest.Source against the GitHub REST API.
type Source struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a GitHub source. An empty token falls back to the GITHUB_TOKEN
// environment variable; unauthenticated requests still work at a much lower
// API quota.
func New(cfg Config, limiter *ratelimit.Limiter, logger *zap.Logger) *Source {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("GITHUB_TOKEN")
	}
	return &Source{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger.Named("github"),
	}
}

// Name reports the source type recorded in provenance.
func (s *Source) Name() harvest.SourceType { return harvest.SourceGitHub }

type codeSearchResult struct {
	TotalCount int        `json:"total_count"`
	Items      []codeItem `json:"items"`
}

type codeItem struct {
	Name       string `json:"name"`
	HTMLURL    string `json:"html_url"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type repoSearchResult struct {
	Items []struct {
		FullName string `json:"full_name"`
	} `json:"items"`
}

type licenseResult struct {
	License struct {
		SPDXID string `json:"spdx_id"`
	} `json:"license"`
}

// Discover runs one incremental sweep: a single code search page, then a
// topic search whose newly seen repositories each get a targeted per-repo
// code search plus a license lookup. The updated cursor is returned inside
// the state even when an API call fails partway through.
func (s *Source) Discover(ctx context.Context, st harvest.State) ([]harvest.Candidate, harvest.State, error) {
	st.Normalize()
	var candidates []harvest.Candidate

	s.logger.Info("starting code search", zap.Int("page", st.GitHub.CodeSearchPage))
	pageCandidates, hasMore, err := s.searchCodePage(ctx, st.GitHub.CodeSearchPage)
	if err != nil {
		s.logger.Warn("code search failed", zap.Error(err))
	} else {
		candidates = append(candidates, pageCandidates...)
		if hasMore {
			st.GitHub.CodeSearchPage++
		}
	}

	for _, topic := range s.cfg.Topics {
		if len(candidates) >= s.cfg.MaxResults {
			break
		}
		if err := ctx.Err(); err != nil {
			return candidates, st, err
		}

		repos, err := s.searchTopic(ctx, topic)
		if err != nil {
			s.logger.Warn("topic search failed", zap.String("topic", topic), zap.Error(err))
			continue
		}

		for _, fullName := range repos {
			if st.GitHub.ReposSearched.Has(fullName) {
				continue
			}
			if len(candidates) >= s.cfg.MaxResults {
				break
			}

			repoCandidates, err := s.searchRepo(ctx, fullName, &st)
			if err != nil {
				s.logger.Warn("repo search failed", zap.String("repo", fullName), zap.Error(err))
				continue
			}
			candidates = append(candidates, repoCandidates...)
			st.GitHub.ReposSearched.Add(fullName)
		}
	}

	metrics.ObserveCandidates(string(harvest.SourceGitHub), len(candidates))
	s.logger.Info("discovery complete", zap.Int("candidates", len(candidates)))
	return candidates, st, nil
}

// searchCodePage fetches one page of the global extension:aasx code search
// and reports whether more pages remain.
func (s *Source) searchCodePage(ctx context.Context, page int) ([]harvest.Candidate, bool, error) {
	params := url.Values{}
	params.Set("q", "extension:aasx")
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(codePerPage))

	var result codeSearchResult
	if err := s.getJSON(ctx, s.cfg.APIBase+"/search/code", params, &result); err != nil {
		return nil, false, err
	}

	candidates := s.itemsToCandidates(result.Items, "", "")
	hasMore := page*codePerPage < result.TotalCount
	return candidates, hasMore, nil
}

// searchTopic returns repository full names tagged with the topic, most
// recently updated first.
func (s *Source) searchTopic(ctx context.Context, topic string) ([]string, error) {
	params := url.Values{}
	params.Set("q", "topic:"+topic)
	params.Set("sort", "updated")
	params.Set("per_page", strconv.Itoa(repoPerPage))

	var result repoSearchResult
	if err := s.getJSON(ctx, s.cfg.APIBase+"/search/repositories", params, &result); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(result.Items))
	for _, item := range result.Items {
		if item.FullName != "" {
			names = append(names, item.FullName)
		}
	}
	return names, nil
}

// searchRepo runs a targeted extension:aasx search inside one repository and
// attaches the repository license to every candidate it yields.
func (s *Source) searchRepo(ctx context.Context, fullName string, st *harvest.State) ([]harvest.Candidate, error) {
	params := url.Values{}
	params.Set("q", "extension:aasx repo:"+fullName)
	params.Set("per_page", "100")

	var result codeSearchResult
	if err := s.getJSON(ctx, s.cfg.APIBase+"/search/code", params, &result); err != nil {
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, nil
	}

	license := s.repoLicense(ctx, fullName, st)
	return s.itemsToCandidates(result.Items, fullName, license), nil
}

// repoLicense resolves a repository's SPDX license identifier, consulting
// the persisted cache first so each repository costs at most one API call
// across the lifetime of the deployment.
func (s *Source) repoLicense(ctx context.Context, fullName string, st *harvest.State) string {
	if cached, ok := st.GitHub.RepoLicenses[fullName]; ok {
		return cached
	}

	var result licenseResult
	err := s.getJSON(ctx, s.cfg.APIBase+"/repos/"+fullName+"/license", nil, &result)
	if err != nil {
		s.logger.Debug("license lookup failed", zap.String("repo", fullName), zap.Error(err))
		return ""
	}
	st.GitHub.RepoLicenses[fullName] = result.License.SPDXID
	return result.License.SPDXID
}

// itemsToCandidates converts code search hits into candidates, dropping any
// hit whose HTML URL cannot be rewritten into a raw download URL.
func (s *Source) itemsToCandidates(items []codeItem, fallbackRepo, license string) []harvest.Candidate {
	var candidates []harvest.Candidate
	for _, item := range items {
		rawURL, ok := BlobToRawURL(item.HTMLURL)
		if !ok {
			continue
		}
		ref := item.Repository.FullName
		if ref == "" {
			ref = fallbackRepo
		}
		candidates = append(candidates, harvest.Candidate{
			URL:        rawURL,
			SourceType: harvest.SourceGitHub,
			SourceRef:  ref,
			License:    license,
			Filename:   item.Name,
		})
	}
	return candidates
}

// getJSON performs a rate-limited GET against the API and decodes the JSON
// body into out. Retryable statuses (429, 503, and the first few 403s) are
// retried after the limiter's backoff, up to maxAttempts total tries.
func (s *Source) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Acquire(ctx, ratelimit.ClassGitHub); err != nil {
			return err
		}

		reqURL := rawURL
		if len(params) > 0 {
			reqURL = rawURL + "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		if s.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", s.cfg.UserAgent)
		}
		if s.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			delay := s.limiter.RecordFailure(ratelimit.ClassGitHub)
			s.logger.Warn("request failed",
				zap.String("url", rawURL),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			defer resp.Body.Close()
			s.limiter.RecordSuccess(ratelimit.ClassGitHub)
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		retry, err := s.limiter.HandleResponse(ctx, ratelimit.ClassGitHub, resp.StatusCode)
		if err != nil {
			return err
		}
		if !retry {
			return fmt.Errorf("github api %s: status %d", trimQuery(reqURL), resp.StatusCode)
		}
		s.logger.Warn("retrying after status",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt))
	}
	return fmt.Errorf("github api %s: gave up after %d attempts", rawURL, maxAttempts)
}

func trimQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
