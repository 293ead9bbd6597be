package harvest

import (
	"encoding/json"
	"sort"
	"time"
)

// StringSet is a set of strings that serializes as a sorted JSON array so
// persisted state files diff cleanly between runs.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Add inserts a member into the set.
func (s StringSet) Add(member string) {
	s[member] = struct{}{}
}

// Has reports whether member is in the set.
func (s StringSet) Has(member string) bool {
	_, ok := s[member]
	return ok
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	members := make([]string, 0, len(s))
	for m := range s {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// MarshalJSON encodes the set as a sorted array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// GitHubCursor is the GitHub source's incremental position.
type GitHubCursor struct {
	CodeSearchPage int               `json:"code_search_page"`
	ReposSearched  StringSet         `json:"repos_searched"`
	RepoLicenses   map[string]string `json:"repo_licenses,omitempty"`
}

// CommonCrawlCursor is the Common Crawl source's incremental position.
type CommonCrawlCursor struct {
	Cursor            string    `json:"cursor,omitempty"`
	DiscoveredDomains StringSet `json:"discovered_domains"`
	ProcessedURLs     StringSet `json:"processed_urls"`
}

// State is the durable harvest state: per-source cursors plus the seen sets
// used for deduplication. One instance exists per deployment; only the
// orchestrator mutates it, and it is persisted once at the end of a run.
type State struct {
	GitHub      GitHubCursor      `json:"github"`
	CommonCrawl CommonCrawlCursor `json:"commoncrawl"`
	SeenURLs    StringSet         `json:"seen_urls"`
	SeenSHA256  StringSet         `json:"seen_sha256"`
	LastRun     time.Time         `json:"last_run,omitzero"`
}

// NewState returns an empty state with all sets initialized.
func NewState() State {
	return State{
		GitHub: GitHubCursor{
			CodeSearchPage: 1,
			ReposSearched:  NewStringSet(),
			RepoLicenses:   make(map[string]string),
		},
		CommonCrawl: CommonCrawlCursor{
			DiscoveredDomains: NewStringSet(),
			ProcessedURLs:     NewStringSet(),
		},
		SeenURLs:   NewStringSet(),
		SeenSHA256: NewStringSet(),
	}
}

// Normalize fills any nil sets so a state parsed from a stale or partial
// file is always safe to mutate.
func (s *State) Normalize() {
	if s.GitHub.CodeSearchPage < 1 {
		s.GitHub.CodeSearchPage = 1
	}
	if s.GitHub.ReposSearched == nil {
		s.GitHub.ReposSearched = NewStringSet()
	}
	if s.GitHub.RepoLicenses == nil {
		s.GitHub.RepoLicenses = make(map[string]string)
	}
	if s.CommonCrawl.DiscoveredDomains == nil {
		s.CommonCrawl.DiscoveredDomains = NewStringSet()
	}
	if s.CommonCrawl.ProcessedURLs == nil {
		s.CommonCrawl.ProcessedURLs = NewStringSet()
	}
	if s.SeenURLs == nil {
		s.SeenURLs = NewStringSet()
	}
	if s.SeenSHA256 == nil {
		s.SeenSHA256 = NewStringSet()
	}
}

// MarshalState encodes a state document for persistence.
func MarshalState(s State) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// UnmarshalState parses a persisted state document.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, err
	}
	s.Normalize()
	return s, nil
}
