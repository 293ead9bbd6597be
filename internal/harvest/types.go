// Package harvest defines core types shared across subsystems.
package harvest

import (
	"strings"
	"time"
)

// SourceType identifies which discovery source proposed a candidate.
type SourceType string

// Source type values persisted in catalog provenance.
const (
	SourceGitHub      SourceType = "github"
	SourceSeed        SourceType = "seed"
	SourceSitemap     SourceType = "sitemap"
	SourceCommonCrawl SourceType = "commoncrawl"
)

// VerificationStatus is the outcome reported by the compliance checker.
type VerificationStatus string

// Verification status values persisted in catalog entries.
const (
	StatusVerified  VerificationStatus = "verified"
	StatusParseable VerificationStatus = "parseable"
	StatusFailed    VerificationStatus = "failed"
)

// Candidate is a provisional reference to a remote AASX file proposed by a
// discovery source. Candidates are ephemeral: they either become catalog
// entries or are discarded at the end of the run.
type Candidate struct {
	URL        string
	SourceType SourceType
	SourceRef  string
	License    string
	Filename   string
	Timestamp  string
}

// FileFacts records what was actually retrieved.
type FileFacts struct {
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	SHA256    string `json:"sha256"`
	Filename  string `json:"filename,omitempty"`
}

// Provenance records where and when a file was discovered.
type Provenance struct {
	SourceType     SourceType `json:"source_type"`
	SourceRef      string     `json:"source_ref,omitempty"`
	License        string     `json:"license,omitempty"`
	DiscoveredAt   time.Time  `json:"discovered_at"`
	LastVerifiedAt time.Time  `json:"last_verified_at,omitzero"`
}

// Verification is the compliance checker outcome attached to an entry.
type Verification struct {
	Status     VerificationStatus `json:"status"`
	Engine     string             `json:"engine,omitempty"`
	ExitCode   *int               `json:"exit_code,omitempty"`
	Summary    string             `json:"summary,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
	ReportPath string             `json:"report_path,omitempty"`
}

// ShellInfo describes one Asset Administration Shell found in a package.
type ShellInfo struct {
	ID            string `json:"id"`
	IDShort       string `json:"id_short,omitempty"`
	GlobalAssetID string `json:"global_asset_id,omitempty"`
}

// SubmodelInfo describes one Submodel found in a package.
type SubmodelInfo struct {
	ID         string `json:"id"`
	IDShort    string `json:"id_short,omitempty"`
	SemanticID string `json:"semantic_id,omitempty"`
}

// Metadata is the extraction collaborator's output for one package.
type Metadata struct {
	Shells      []ShellInfo    `json:"shells,omitempty"`
	Submodels   []SubmodelInfo `json:"submodels,omitempty"`
	SemanticIDs []string       `json:"semantic_ids,omitempty"`
}

// CatalogEntry is the durable record for one harvested file, keyed by
// content fingerprint. Exactly one entry exists per fingerprint;
// re-discovery updates the entry in place.
type CatalogEntry struct {
	ID           string       `json:"id"`
	File         FileFacts    `json:"file"`
	Provenance   Provenance   `json:"provenance"`
	Verification Verification `json:"verification"`
	Metadata     *Metadata    `json:"metadata,omitempty"`
}

// EntryID builds the catalog key for a content hash.
func EntryID(sha256 string) string {
	return "sha256-" + sha256
}

// PlaceholderID is the deterministic fingerprint used for entries whose
// retrieval failed before any bytes were hashed.
var PlaceholderID = EntryID(strings.Repeat("0", 64))
