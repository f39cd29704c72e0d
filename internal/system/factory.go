// Package system provides the initialization and factory logic for the
// substrate. It wires the cache, stores, knowledge graph, and managers
// together so CLI commands, the serve loop, and tests share one boot path.
package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"schednerd/internal/audit"
	"schednerd/internal/cache"
	"schednerd/internal/config"
	"schednerd/internal/enrich"
	"schednerd/internal/feedback"
	"schednerd/internal/kg"
	"schednerd/internal/logging"
	"schednerd/internal/patterns"
	"schednerd/internal/review"
	"schednerd/internal/wal"
)

// Substrate represents a fully initialized instance rooted at one workspace.
type Substrate struct {
	Config    *config.Config
	Workspace string

	Patterns *patterns.Source
	Watcher  *patterns.Watcher

	WAL   *wal.WAL
	Cache *cache.ShardedTTLCache

	Feedback *feedback.Store

	Reviews  *review.ReviewQueue
	Detector *review.UncertaintyDetector

	GraphStore *kg.GraphStore
	Graph      *kg.KnowledgeGraph
	KGCache    *kg.KGCacheManager
	KGSync     *kg.KGSyncManager

	Audit *audit.Pipeline

	EnrichStats *enrich.StatsStore
	Enricher    *enrich.ContextEnricher
}

// Boot initializes the entire stack for a given workspace. A nil cfg loads
// the workspace config file (falling back to defaults plus environment
// overrides). On error everything already built is closed before returning.
func Boot(ctx context.Context, workspace string, cfg *config.Config) (*Substrate, error) {
	if workspace == "" {
		workspace = config.FindWorkspaceRoot()
	}

	if cfg == nil {
		loaded, err := config.Load(filepath.Join(workspace, config.DataDirName, "config.yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dataDir := cfg.DataDir(workspace)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	// 1. Logging first so every later step can report.
	if err := logging.Initialize(dataDir, logging.Config{
		Debug:      cfg.Logging.Debug,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if cfg.Logging.Debug {
		if err := logging.InitOps(); err != nil {
			logging.BootWarn("Ops log unavailable: %v", err)
		}
	}

	s := &Substrate{Config: cfg, Workspace: workspace}
	booted := false
	defer func() {
		if !booted {
			s.Close()
		}
	}()

	// 2. Pattern dictionaries, optionally hot-reloaded from an overlay file.
	patternPath := cfg.Patterns.Path
	if patternPath != "" && !filepath.IsAbs(patternPath) {
		patternPath = filepath.Join(workspace, patternPath)
	}
	s.Patterns = patterns.NewSource(patternPath)
	if cfg.Patterns.HotReload && patternPath != "" {
		watcher, err := patterns.NewWatcher(s.Patterns)
		if err != nil {
			logging.BootWarn("Pattern hot reload unavailable: %v", err)
		} else if err := watcher.Start(ctx); err != nil {
			logging.BootWarn("Pattern watcher failed to start: %v", err)
		} else {
			s.Watcher = watcher
		}
	}

	// 3. Durability before the cache that appends to it.
	if cfg.Cache.EnableWAL {
		w, err := wal.Open(cfg.WALDir(workspace), cfg.Cache.WALMaxSegmentBytes())
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		s.WAL = w
	}

	c, err := cache.New(cache.Options{
		NumShards:        cfg.Cache.NumShards,
		DefaultTTL:       float64(cfg.Cache.TTLSeconds),
		MaxEntries:       cfg.Cache.MaxEntries,
		MaxMemoryMB:      cfg.Cache.MaxMemoryMB,
		ParanoiaMode:     cfg.Cache.ParanoiaMode,
		CleanupInterval:  cfg.Cache.CleanupInterval(),
		WarmingInterval:  cfg.Cache.WarmingInterval(),
		WarmingMinAccess: int64(cfg.Cache.WarmingMinAccess),
		WAL:              s.WAL,
		SnapshotDir:      cfg.SnapshotDir(workspace),
		TxnMaxActive:     cfg.Transactions.MaxActive,
		TxnTimeout:       cfg.Transactions.Timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build cache: %w", err)
	}
	s.Cache = c

	// 4. Feedback store and review queue.
	fb, err := feedback.NewStore(cfg.FeedbackDBPath(workspace))
	if err != nil {
		return nil, fmt.Errorf("failed to open feedback store: %w", err)
	}
	s.Feedback = fb

	queue, err := review.NewReviewQueue(cfg.ReviewDBPath(workspace))
	if err != nil {
		return nil, fmt.Errorf("failed to open review queue: %w", err)
	}
	s.Reviews = queue
	s.Detector = review.NewUncertaintyDetector(queue)

	// 5. Knowledge graph.
	gs, err := kg.NewGraphStore(cfg.KGDBPath(workspace))
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	s.GraphStore = gs

	graph, err := kg.NewKnowledgeGraph(gs)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge graph: %w", err)
	}
	s.Graph = graph

	// 6. Audit pipeline, with LLM-assisted extraction when configured.
	var extractor audit.TripletExtractor
	if cfg.Audit.LLMEnabled {
		if cfg.Audit.LLMAPIKey == "" {
			logging.BootWarn("LLM extraction enabled but no API key set; regex extraction only")
		} else if ex, exErr := audit.NewGenAIExtractor(cfg.Audit.LLMAPIKey, cfg.Audit.LLMModel); exErr != nil {
			logging.BootWarn("LLM extractor unavailable: %v", exErr)
		} else {
			extractor = ex
		}
	}
	pipeline, err := audit.NewPipeline(s.Patterns, graph, fb, queue.Tracker(), extractor, cfg.Audit.LLMMaxTriplets)
	if err != nil {
		return nil, fmt.Errorf("failed to build audit pipeline: %w", err)
	}
	s.Audit = pipeline

	// 7. Graph staleness manager, refreshing from SQLite on expiry.
	s.KGCache = kg.NewKGCacheManager(cfg.KG.CacheTTLSeconds)
	s.KGCache.RegisterRefreshCallback(func(context.Context) error {
		return graph.Rebuild()
	})

	// 8. Scheduler sync, feeding detected changes into the graph.
	source := kg.NewFileSchedulerSource(cfg.SchedulerStatePath(workspace))
	syncMgr, err := kg.NewKGSyncManager(source, cfg.SyncWatermarkPath(workspace), cfg.KG.SyncIntervalSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync manager: %w", err)
	}
	syncMgr.RegisterCallback(func(_ context.Context, changes []kg.SyncChange) error {
		if err := graph.ApplySyncChanges(changes); err != nil {
			return err
		}
		s.KGCache.Invalidate()
		return nil
	})
	s.KGSync = syncMgr

	// 9. Query context enrichment.
	stats, err := enrich.NewStatsStore(cfg.EnrichDBPath(workspace))
	if err != nil {
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}
	s.EnrichStats = stats

	enricher, err := enrich.NewContextEnricher(s.Patterns, graph, stats, cfg.Enrich.MaxContextChars, cfg.Enrich.MaxDependencies)
	if err != nil {
		return nil, fmt.Errorf("failed to build enricher: %w", err)
	}
	s.Enricher = enricher

	booted = true
	logging.Boot("Substrate ready (workspace=%s data=%s)", workspace, dataDir)
	return s, nil
}

// StartBackground launches the maintenance loops. They run until ctx is
// cancelled; the sync and refresh managers can also be stopped via Close.
func (s *Substrate) StartBackground(ctx context.Context) {
	s.Cache.StartCleanup(ctx)
	s.Cache.StartWarming(ctx)
	s.KGCache.StartBackgroundRefresh(ctx)
	s.KGSync.Start(ctx)
}

// WrapRetriever layers feedback-driven reranking over a base retriever
// using the configured feedback weight.
func (s *Substrate) WrapRetriever(base feedback.Retriever) *feedback.FeedbackAwareRetriever {
	return feedback.NewFeedbackAwareRetriever(base, s.Feedback, s.Config.Feedback.Weight)
}

// RunMaintenance performs one housekeeping pass: expires stale review
// items, prunes aged audit feedback, and trims old WAL segments and
// snapshots. Individual failures are logged, not returned, so one sick
// store cannot stall the others.
func (s *Substrate) RunMaintenance(ctx context.Context) {
	if n, err := s.Reviews.ExpireOld(ctx, s.Config.Review.MaxAge()); err != nil {
		logging.ReviewWarn("Expiry pass failed: %v", err)
	} else if n > 0 {
		logging.Review("Expired %d stale review items", n)
	}

	if n, err := s.Feedback.PruneAuditRecords(ctx, s.Config.Feedback.AuditRecordMaxAge()); err != nil {
		logging.FeedbackWarn("Audit feedback pruning failed: %v", err)
	} else if n > 0 {
		logging.Feedback("Pruned %d aged audit feedback records", n)
	}

	if s.WAL != nil {
		if n, err := s.WAL.Cleanup(s.Config.Cache.WALRetention()); err != nil {
			logging.WALWarn("Segment cleanup failed: %v", err)
		} else if n > 0 {
			logging.WAL("Removed %d old WAL segments", n)
		}
	}

	if p := s.Cache.Persistence(); p != nil {
		if n, err := p.Cleanup(s.Config.Cache.SnapshotMaxAge()); err != nil {
			logging.CacheWarn("Snapshot cleanup failed: %v", err)
		} else if n > 0 {
			logging.Cache("Removed %d old snapshots", n)
		}
	}
}
