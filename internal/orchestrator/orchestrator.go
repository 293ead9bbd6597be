// Package orchestrator drives one harvest run through its phases: load
// durable state, discover candidates, deduplicate, process each new
// candidate (download, verify, extract), merge into the catalog, persist,
// and publish. State is written exactly once, at the end, so a crashed run
// re-discovers instead of losing progress markers mid-flight.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/download"
	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/store"
)

// Phase names a step of the run state machine, used in log context.
type Phase string

// Run phases in execution order.
const (
	PhaseLoading       Phase = "loading"
	PhaseDiscovering   Phase = "discovering"
	PhaseDeduplicating Phase = "deduplicating"
	PhaseProcessing    Phase = "processing"
	PhaseMerging       Phase = "merging"
	PhasePersisting    Phase = "persisting"
	PhasePublishing    Phase = "publishing"
	PhaseDone          Phase = "done"
)

// Downloader retrieves one remote file into a directory.
type Downloader interface {
	Download(ctx context.Context, url, destDir string) (download.Result, error)
}

// Publisher renders the public artifacts for a catalog snapshot.
type Publisher interface {
	Publish(entries []harvest.CatalogEntry) error
}

// Config holds per-run orchestration settings.
type Config struct {
	MaxFiles     int
	DryRun       bool
	SourceFilter string
}

// Summary is the outcome of one run.
type Summary struct {
	RunID      string
	Candidates int
	Fresh      int
	Processed  int
	NewEntries int
	Verified   int
	Parseable  int
	Failed     int
	DryRun     bool
}

// Orchestrator wires the sources and collaborators into a run.
type Orchestrator struct {
	cfg        Config
	sources    []harvest.Source
	downloader Downloader
	verifier   harvest.Verifier
	extractor  harvest.Extractor
	publisher  Publisher
	catalog    *store.Catalog
	stateFile  *store.StateFile
	clock      harvest.Clock
	logger     *zap.Logger
}

// New builds an Orchestrator.
func New(
	cfg Config,
	sources []harvest.Source,
	downloader Downloader,
	verifier harvest.Verifier,
	extractor harvest.Extractor,
	publisher Publisher,
	catalog *store.Catalog,
	stateFile *store.StateFile,
	clock harvest.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 200
	}
	if clock == nil {
		clock = harvest.SystemClock{}
	}
	return &Orchestrator{
		cfg:        cfg,
		sources:    sources,
		downloader: downloader,
		verifier:   verifier,
		extractor:  extractor,
		publisher:  publisher,
		catalog:    catalog,
		stateFile:  stateFile,
		clock:      clock,
		logger:     logger.Named("orchestrator"),
	}
}

// Run executes one harvest. It returns a summary even on failure so callers
// can log partial progress.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString(), DryRun: o.cfg.DryRun}
	logger := o.logger.With(zap.String("run_id", summary.RunID))

	logger.Info("phase", zap.String("phase", string(PhaseLoading)))
	state, err := o.stateFile.Load()
	if err != nil {
		return summary, fmt.Errorf("load state: %w", err)
	}
	existing, err := o.catalog.ReadAll()
	if err != nil {
		return summary, fmt.Errorf("load catalog: %w", err)
	}
	store.Reconcile(&state, existing)
	logger.Info("state loaded",
		zap.Int("known_urls", len(state.SeenURLs)),
		zap.Int("catalog_entries", len(existing)))

	logger.Info("phase", zap.String("phase", string(PhaseDiscovering)))
	candidates, state := o.discover(ctx, state, logger)
	summary.Candidates = len(candidates)
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	logger.Info("phase", zap.String("phase", string(PhaseDeduplicating)))
	fresh := store.Deduplicate(candidates, state)
	summary.Fresh = len(fresh)
	logger.Info("deduplicated",
		zap.Int("candidates", len(candidates)),
		zap.Int("fresh", len(fresh)))

	if o.cfg.DryRun {
		limit := o.cfg.MaxFiles
		if limit > len(fresh) {
			limit = len(fresh)
		}
		for _, c := range fresh[:limit] {
			logger.Info("would process",
				zap.String("url", c.URL),
				zap.String("source", string(c.SourceType)))
		}
		logger.Info("dry run complete", zap.Int("planned", limit))
		return summary, nil
	}

	logger.Info("phase", zap.String("phase", string(PhaseProcessing)))
	var newEntries []harvest.CatalogEntry
	for _, candidate := range fresh {
		if summary.Processed >= o.cfg.MaxFiles {
			break
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		entry := o.processCandidate(ctx, candidate, logger)
		newEntries = append(newEntries, entry)
		state.SeenURLs.Add(candidate.URL)
		if entry.File.SHA256 != "" {
			state.SeenSHA256.Add(entry.File.SHA256)
		}
		summary.Processed++

		switch entry.Verification.Status {
		case harvest.StatusVerified:
			summary.Verified++
		case harvest.StatusParseable:
			summary.Parseable++
		case harvest.StatusFailed:
			summary.Failed++
		}
	}
	summary.NewEntries = len(newEntries)

	logger.Info("phase", zap.String("phase", string(PhaseMerging)))
	merged := store.Merge(existing, newEntries)

	logger.Info("phase", zap.String("phase", string(PhasePersisting)))
	if err := o.catalog.WriteAll(merged); err != nil {
		return summary, fmt.Errorf("write catalog: %w", err)
	}
	state.LastRun = o.clock.Now()
	if err := o.stateFile.Save(state); err != nil {
		return summary, fmt.Errorf("save state: %w", err)
	}

	logger.Info("phase", zap.String("phase", string(PhasePublishing)))
	if err := o.publisher.Publish(merged); err != nil {
		return summary, fmt.Errorf("publish: %w", err)
	}

	logger.Info("phase", zap.String("phase", string(PhaseDone)))
	logger.Info("run complete",
		zap.Int("new_entries", summary.NewEntries),
		zap.Int("verified", summary.Verified),
		zap.Int("parseable", summary.Parseable),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// discover runs every enabled source in order. A source error degrades to
// zero candidates from that source; whatever partial state the source
// returned is kept so cursor progress survives.
func (o *Orchestrator) discover(ctx context.Context, state harvest.State, logger *zap.Logger) ([]harvest.Candidate, harvest.State) {
	var all []harvest.Candidate
	for _, src := range o.sources {
		if !o.sourceEnabled(src.Name()) {
			continue
		}
		if ctx.Err() != nil {
			return all, state
		}

		candidates, newState, err := src.Discover(ctx, state)
		state = newState
		if err != nil {
			logger.Warn("source failed",
				zap.String("source", string(src.Name())),
				zap.Error(err))
			continue
		}
		logger.Info("source complete",
			zap.String("source", string(src.Name())),
			zap.Int("candidates", len(candidates)))
		all = append(all, candidates...)
	}
	return all, state
}

// sourceEnabled applies the --source filter. "seeds" is accepted as the
// selector for the seed source to match the published CLI contract.
func (o *Orchestrator) sourceEnabled(name harvest.SourceType) bool {
	switch o.cfg.SourceFilter {
	case "", "all":
		return true
	case "seeds":
		return name == harvest.SourceSeed
	default:
		return o.cfg.SourceFilter == string(name)
	}
}

// processCandidate turns one candidate into a catalog entry. A failed
// download still yields an entry, under the placeholder fingerprint, so the
// URL is never retried and the failure is visible in the catalog.
func (o *Orchestrator) processCandidate(ctx context.Context, candidate harvest.Candidate, logger *zap.Logger) harvest.CatalogEntry {
	now := o.clock.Now()
	logger.Info("processing", zap.String("url", candidate.URL))

	tmpDir, err := os.MkdirTemp("", "aasx-*")
	if err != nil {
		return o.failedEntry(candidate, now, fmt.Sprintf("create temp dir: %v", err))
	}
	defer os.RemoveAll(tmpDir)

	result, err := o.downloader.Download(ctx, candidate.URL, tmpDir)
	if err != nil {
		logger.Warn("download failed",
			zap.String("url", candidate.URL),
			zap.Error(err))
		return o.failedEntry(candidate, now, fmt.Sprintf("download failed: %v", err))
	}

	verification := o.verifier.Verify(ctx, result.Path, result.SHA256)

	entry := harvest.CatalogEntry{
		ID: harvest.EntryID(result.SHA256),
		File: harvest.FileFacts{
			URL:       candidate.URL,
			SizeBytes: result.SizeBytes,
			SHA256:    result.SHA256,
			Filename:  result.Filename,
		},
		Provenance: harvest.Provenance{
			SourceType:     candidate.SourceType,
			SourceRef:      candidate.SourceRef,
			License:        candidate.License,
			DiscoveredAt:   now,
			LastVerifiedAt: now,
		},
		Verification: verification,
	}

	extraction := o.extractor.Extract(result.Path)
	if extraction.Success {
		meta := extraction.Metadata
		entry.Metadata = &meta
	} else {
		logger.Debug("extraction failed",
			zap.String("url", candidate.URL),
			zap.String("error", extraction.Error))
	}

	return entry
}

func (o *Orchestrator) failedEntry(candidate harvest.Candidate, now time.Time, summary string) harvest.CatalogEntry {
	return harvest.CatalogEntry{
		ID:   harvest.PlaceholderID,
		File: harvest.FileFacts{URL: candidate.URL},
		Provenance: harvest.Provenance{
			SourceType:   candidate.SourceType,
			SourceRef:    candidate.SourceRef,
			License:      candidate.License,
			DiscoveredAt: now,
		},
		Verification: harvest.Verification{
			Status:  harvest.StatusFailed,
			Summary: summary,
		},
	}
}
