// Package publish renders the catalog into the public artifacts: a JSON
// array, a flat CSV, and an aggregate stats document.
package publish

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/harvest"
)

// csvColumns is the fixed catalog.csv column set. Consumers key on these
// names, so the set only ever grows.
var csvColumns = []string{
	"id",
	"url",
	"size_bytes",
	"sha256",
	"source_type",
	"source_ref",
	"license",
	"status",
	"discovered_at",
	"last_verified_at",
}

// Publisher writes public artifacts for a catalog snapshot.
type Publisher struct {
	dir    string
	logger *zap.Logger
}

// New builds a Publisher writing into dir.
func New(dir string, logger *zap.Logger) *Publisher {
	return &Publisher{dir: dir, logger: logger.Named("publish")}
}

// Publish renders catalog.json, catalog.csv, and stats.json from the given
// entries. Entries are sorted by ID first, so output is stable across runs
// regardless of harvest order.
func (p *Publisher) Publish(entries []harvest.CatalogEntry) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create public dir: %w", err)
	}

	sorted := make([]harvest.CatalogEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	if err := p.writeJSON(sorted); err != nil {
		return err
	}
	if err := p.writeCSV(sorted); err != nil {
		return err
	}
	if err := p.writeStats(sorted); err != nil {
		return err
	}

	p.logger.Info("catalog published",
		zap.Int("entries", len(sorted)),
		zap.String("dir", p.dir))
	return nil
}

func (p *Publisher) writeJSON(entries []harvest.CatalogEntry) error {
	if entries == nil {
		entries = []harvest.CatalogEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog.json: %w", err)
	}
	path := filepath.Join(p.dir, "catalog.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write catalog.json: %w", err)
	}
	return nil
}

func (p *Publisher) writeCSV(entries []harvest.CatalogEntry) error {
	path := filepath.Join(p.dir, "catalog.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create catalog.csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, entry := range entries {
		row := []string{
			entry.ID,
			entry.File.URL,
			sizeField(entry.File.SizeBytes),
			entry.File.SHA256,
			string(entry.Provenance.SourceType),
			entry.Provenance.SourceRef,
			entry.Provenance.License,
			string(entry.Verification.Status),
			timeField(entry.Provenance.DiscoveredAt),
			timeField(entry.Provenance.LastVerifiedAt),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", entry.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush catalog.csv: %w", err)
	}
	return nil
}

// Stats is the aggregate view rendered into stats.json.
type Stats struct {
	TotalEntries      int            `json:"total_entries"`
	ByStatus          map[string]int `json:"by_status"`
	BySource          map[string]int `json:"by_source"`
	TopSemanticIDs    map[string]int `json:"top_semantic_ids"`
	UniqueSemanticIDs int            `json:"unique_semantic_ids"`
}

// BuildStats computes the aggregate counts for a catalog snapshot.
func BuildStats(entries []harvest.CatalogEntry) Stats {
	stats := Stats{
		TotalEntries:   len(entries),
		ByStatus:       make(map[string]int),
		BySource:       make(map[string]int),
		TopSemanticIDs: make(map[string]int),
	}

	semanticCounts := make(map[string]int)
	for _, entry := range entries {
		status := string(entry.Verification.Status)
		if status == "" {
			status = "unknown"
		}
		stats.ByStatus[status]++

		source := string(entry.Provenance.SourceType)
		if source == "" {
			source = "unknown"
		}
		stats.BySource[source]++

		if entry.Metadata != nil {
			for _, id := range entry.Metadata.SemanticIDs {
				semanticCounts[id]++
			}
		}
	}

	stats.UniqueSemanticIDs = len(semanticCounts)
	for _, id := range topN(semanticCounts, 20) {
		stats.TopSemanticIDs[id] = semanticCounts[id]
	}
	return stats
}

func (p *Publisher) writeStats(entries []harvest.CatalogEntry) error {
	data, err := json.MarshalIndent(BuildStats(entries), "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats.json: %w", err)
	}
	path := filepath.Join(p.dir, "stats.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write stats.json: %w", err)
	}
	return nil
}

// topN returns the n most frequent keys, breaking count ties by key so the
// published stats are deterministic.
func topN(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func sizeField(size int64) string {
	if size <= 0 {
		return ""
	}
	return strconv.FormatInt(size, 10)
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
