// Package store persists the NDJSON catalog and the harvest state file, and
// implements the dedup logic that keeps repeated runs idempotent.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/open-aasx-index/harvester/internal/harvest"
)

// Catalog reads and writes the append-friendly NDJSON catalog. One line is
// one entry; a missing file is an empty catalog.
type Catalog struct {
	path string
}

// NewCatalog binds a catalog to its file path.
func NewCatalog(path string) *Catalog {
	return &Catalog{path: path}
}

// Path returns the underlying file path.
func (c *Catalog) Path() string { return c.path }

// ReadAll loads every catalog entry. Blank lines are skipped; a malformed
// line is a hard error since it means the catalog was corrupted.
func (c *Catalog) ReadAll() ([]harvest.CatalogEntry, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var entries []harvest.CatalogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry harvest.CatalogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("catalog line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return entries, nil
}

// WriteAll replaces the catalog with the given entries.
func (c *Catalog) WriteAll(entries []harvest.CatalogEntry) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	f, err := os.Create(c.path)
	if err != nil {
		return fmt.Errorf("create catalog: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("encode entry %s: %w", entry.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush catalog: %w", err)
	}
	return nil
}

// Append adds one entry to the end of the catalog.
func (c *Catalog) Append(entry harvest.CatalogEntry) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create catalog dir: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(entry); err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}
	return nil
}

// FindByID returns the entry with the given ID, or false when absent.
func (c *Catalog) FindByID(id string) (harvest.CatalogEntry, bool, error) {
	return c.find(func(e harvest.CatalogEntry) bool { return e.ID == id })
}

// FindByURL returns the entry retrieved from the given URL.
func (c *Catalog) FindByURL(url string) (harvest.CatalogEntry, bool, error) {
	return c.find(func(e harvest.CatalogEntry) bool { return e.File.URL == url })
}

// FindBySHA256 returns the entry with the given content hash.
func (c *Catalog) FindBySHA256(sha256 string) (harvest.CatalogEntry, bool, error) {
	return c.find(func(e harvest.CatalogEntry) bool { return e.File.SHA256 == sha256 })
}

func (c *Catalog) find(match func(harvest.CatalogEntry) bool) (harvest.CatalogEntry, bool, error) {
	entries, err := c.ReadAll()
	if err != nil {
		return harvest.CatalogEntry{}, false, err
	}
	for _, entry := range entries {
		if match(entry) {
			return entry, true, nil
		}
	}
	return harvest.CatalogEntry{}, false, nil
}

// Merge folds new entries into existing ones, keyed by entry ID. A repeated
// ID replaces the older entry, so re-harvesting a file updates it in place.
// The result is sorted by ID for stable output.
func Merge(existing, updates []harvest.CatalogEntry) []harvest.CatalogEntry {
	byID := make(map[string]harvest.CatalogEntry, len(existing)+len(updates))
	order := make([]string, 0, len(existing)+len(updates))
	for _, entry := range existing {
		if _, ok := byID[entry.ID]; !ok {
			order = append(order, entry.ID)
		}
		byID[entry.ID] = entry
	}
	for _, entry := range updates {
		if _, ok := byID[entry.ID]; !ok {
			order = append(order, entry.ID)
		}
		byID[entry.ID] = entry
	}

	sort.Strings(order)
	merged := make([]harvest.CatalogEntry, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}
