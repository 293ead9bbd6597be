package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedEntry is one curated source from the sources file.
type SeedEntry struct {
	URL   string `yaml:"url"`
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Notes string `yaml:"notes"`
}

// Sources is the parsed curated-sources file: seed pages, sitemap sites, and
// the domain allowlist shared by the web-facing discovery sources.
type Sources struct {
	Sources        []SeedEntry `yaml:"sources"`
	AllowedDomains []string    `yaml:"allowed_domains"`
}

// Seeds returns the entries of type "seed" (the default when type is empty).
func (s Sources) Seeds() []SeedEntry {
	var seeds []SeedEntry
	for _, entry := range s.Sources {
		if entry.Type == "seed" || entry.Type == "" {
			seeds = append(seeds, entry)
		}
	}
	return seeds
}

// SitemapSites returns the base URLs of entries of type "sitemap".
func (s Sources) SitemapSites() []string {
	var sites []string
	for _, entry := range s.Sources {
		if entry.Type == "sitemap" {
			sites = append(sites, entry.URL)
		}
	}
	return sites
}

// LoadSources parses the curated-sources YAML file. A missing file is not an
// error: it yields an empty source list and an empty allowlist.
func LoadSources(path string) (Sources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Sources{}, nil
		}
		return Sources{}, fmt.Errorf("read sources file: %w", err)
	}

	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Sources{}, fmt.Errorf("parse sources file: %w", err)
	}
	for i, entry := range s.Sources {
		if entry.Name == "" {
			s.Sources[i].Name = entry.URL
		}
	}
	return s, nil
}
