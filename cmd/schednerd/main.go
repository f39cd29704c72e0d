package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"schednerd/internal/cache"
	"schednerd/internal/config"
	"schednerd/internal/logging"
	"schednerd/internal/metrics"
	"schednerd/internal/review"
	"schednerd/internal/system"
)

var (
	// Global flags
	verbose   bool
	workspace string
	cfgFile   string

	// Logger
	logger *zap.Logger
)

const (
	commandTimeout      = 60 * time.Second
	healthInterval      = 15 * time.Second
	maintenanceInterval = time.Hour
	shutdownGrace       = 5 * time.Second
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "schednerd",
	Short: "schedNERD - caching and knowledge substrate for scheduler operations",
	Long: `schedNERD is the storage and learning core of an AI assistant for
IBM Workload Scheduler operations.

It keeps hot scheduler state in a sharded TTL cache with write-ahead
durability, reranks retrieval results using recorded user feedback,
routes uncertain answers into a human review queue, distills audited
mistakes into a SQLite knowledge graph, and rewrites user queries with
scheduler context before retrieval.

Run 'schednerd serve' to start the substrate with its maintenance
loops and the local metrics endpoint.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the substrate until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the substrate with maintenance loops and metrics endpoint",
	Long: `Boots the full substrate (WAL, cache, feedback store, review queue,
audit pipeline, knowledge graph, scheduler sync) for the workspace,
starts the background maintenance loops, and exposes Prometheus
metrics plus health probes on the configured local address:

  /metrics   Prometheus registry
  /healthz   component health (JSON)
  /readyz    readiness of the critical components
  /livez     process liveness

Runs until SIGINT or SIGTERM, then shuts down in reverse boot order.`,
	RunE: runServe,
}

// statsCmd prints component statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print statistics for every substrate component",
	RunE:  runStats,
}

// snapshotCmd groups the snapshot operations
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, list, or clean up cache snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a point-in-time snapshot of the cache",
	RunE:  snapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List existing snapshots",
	RunE:  snapshotList,
}

var snapshotCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete snapshots older than the retention window",
	RunE:  snapshotCleanup,
}

// reviewsCmd groups the review queue operations
var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect and resolve queued review items",
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending review items, oldest first",
	RunE:  reviewsList,
}

var reviewsResolveCmd = &cobra.Command{
	Use:   "resolve [item-id]",
	Short: "Resolve a review item with a verdict",
	Long: `Records a reviewer verdict for a queued item.

Example:
  schednerd reviews resolve 3f2a... --status corrected \
      --reviewer ops1 --correction "restart batchman on CPU1 first"`,
	Args: cobra.ExactArgs(1),
	RunE: reviewsResolve,
}

// healthCmd runs the cache health battery once
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the cache health checks and print the report",
	RunE:  runHealth,
}

// initCmd initializes schedNERD in a workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize schedNERD in the current workspace",
	Long: `Performs first-time setup for a new workspace.

This command:
  1. Creates the .schednerd/ directory structure
  2. Writes a config.yaml populated with the defaults

An already initialized workspace is left untouched.`,
	RunE: runInit,
}

var (
	// snapshot cleanup flags
	snapshotMaxAgeHours int

	// reviews flags
	reviewLimit     int
	reviewReason    string
	resolveStatus   string
	resolveReviewer string
	resolveCorrect  string
	resolveFeedback string
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .schednerd ancestor)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <workspace>/.schednerd/config.yaml)")

	// Snapshot flags
	snapshotCleanupCmd.Flags().IntVar(&snapshotMaxAgeHours, "max-age-hours", 0, "Retention override in hours (default: config snapshot_max_age_hours)")
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotCleanupCmd)

	// Review flags
	reviewsListCmd.Flags().IntVar(&reviewLimit, "limit", 20, "Maximum items to list")
	reviewsListCmd.Flags().StringVar(&reviewReason, "reason", "", "Only items flagged for this reason")
	reviewsResolveCmd.Flags().StringVar(&resolveStatus, "status", "", "Verdict: approved, corrected, or rejected (required)")
	reviewsResolveCmd.Flags().StringVar(&resolveReviewer, "reviewer", "", "Reviewer id (required)")
	reviewsResolveCmd.Flags().StringVar(&resolveCorrect, "correction", "", "Corrected response (required for corrected)")
	reviewsResolveCmd.Flags().StringVar(&resolveFeedback, "feedback", "", "Free-form reviewer feedback")
	reviewsResolveCmd.MarkFlagRequired("status")
	reviewsResolveCmd.MarkFlagRequired("reviewer")
	reviewsCmd.AddCommand(reviewsListCmd)
	reviewsCmd.AddCommand(reviewsResolveCmd)

	// Add commands to root
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(reviewsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace prefers the flag, then the nearest .schednerd ancestor.
func resolveWorkspace() string {
	if workspace != "" {
		return workspace
	}
	return config.FindWorkspaceRoot()
}

// loadConfig loads the workspace config, honoring --config.
func loadConfig(ws string) (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = filepath.Join(ws, config.DataDirName, "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// bootSubstrate boots the whole stack for one-shot commands.
func bootSubstrate(ctx context.Context) (*system.Substrate, error) {
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, err
	}
	return system.Boot(ctx, ws, cfg)
}

// closeSubstrate tears the stack down, logging rather than failing.
func closeSubstrate(sub *system.Substrate) {
	if err := sub.Close(); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	logging.CloseAll()
}

// runServe boots the substrate and runs it until a signal arrives
func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	sub.StartBackground(ctx)

	for _, name := range []string{"cache", "wal", "kg", "feedback", "reviews", "sync"} {
		metrics.RegisterComponent(name)
	}
	go healthLoop(ctx, sub)
	go maintenanceLoop(ctx, sub)
	go drainCacheErrors(ctx, sub)

	srv := &http.Server{Addr: sub.Config.Server.ListenAddr, Handler: newServeMux()}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	fmt.Printf("schedNERD substrate running (workspace: %s)\n", sub.Workspace)
	fmt.Printf("Metrics: http://%s/metrics\n", srv.Addr)
	fmt.Printf("Health:  http://%s/healthz\n", srv.Addr)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-httpErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	// Stop the loops before the deferred Close releases their stores.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	fmt.Println("Stopped.")
	return nil
}

// newServeMux wires the metrics and probe endpoints.
func newServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.HandleFunc("/livez", metrics.LivenessHandler())
	return mux
}

// healthLoop keeps the component health registry current.
func healthLoop(ctx context.Context, sub *system.Substrate) {
	refresh := func() {
		report := sub.Cache.Health(ctx)
		metrics.UpdateComponent("cache", report.Status == cache.HealthHealthy || report.Status == cache.HealthWarning, report.Status)

		if sub.WAL != nil {
			metrics.UpdateComponent("wal", true, "")
		} else {
			metrics.UpdateComponent("wal", true, "disabled")
		}

		gs := sub.Graph.Statistics()
		metrics.UpdateComponent("kg", true, fmt.Sprintf("%v nodes, %v edges", gs["nodes"], gs["edges"]))

		if _, err := sub.Feedback.Stats(ctx); err != nil {
			metrics.UpdateComponent("feedback", false, err.Error())
		} else {
			metrics.UpdateComponent("feedback", true, "")
		}

		if _, err := sub.Reviews.Stats(ctx); err != nil {
			metrics.UpdateComponent("reviews", false, err.Error())
		} else {
			metrics.UpdateComponent("reviews", true, "")
		}

		ss := sub.KGSync.Stats()
		metrics.UpdateComponent("sync", true, fmt.Sprintf("%v cycles", ss["syncs"]))
	}

	refresh()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// maintenanceLoop runs periodic housekeeping until the context ends.
func maintenanceLoop(ctx context.Context, sub *system.Substrate) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sub.RunMaintenance(ctx)
		}
	}
}

// drainCacheErrors surfaces background-loop failures in the server log.
func drainCacheErrors(ctx context.Context, sub *system.Substrate) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Cache.Err():
			logger.Warn("Cache background loop error", zap.Error(err))
		}
	}
}

// runStats prints statistics for every component
func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	fmt.Println("schedNERD Substrate Statistics")
	fmt.Println("==============================")

	printSection("Cache", sub.Cache.Stats())
	if sub.WAL != nil {
		printSection("WAL", sub.WAL.Stats())
	}
	if stats, err := sub.Feedback.Stats(ctx); err == nil {
		printSection("Feedback", stats)
	} else {
		logger.Warn("Feedback stats unavailable", zap.Error(err))
	}
	if stats, err := sub.Reviews.Stats(ctx); err == nil {
		printSection("Reviews", stats)
	} else {
		logger.Warn("Review stats unavailable", zap.Error(err))
	}
	printSection("Knowledge Graph", sub.Graph.Statistics())
	printSection("KG Cache", sub.KGCache.Stats())
	printSection("Scheduler Sync", sub.KGSync.Stats())
	if stats, err := sub.EnrichStats.Stats(ctx); err == nil {
		printSection("Enrichment Store", stats)
	} else {
		logger.Warn("Enrichment stats unavailable", zap.Error(err))
	}
	printSection("Enricher", sub.Enricher.Stats())
	printSection("Patterns", sub.Patterns.Stats())
	return nil
}

// printSection renders one stats map with sorted keys.
func printSection(title string, stats map[string]interface{}) {
	fmt.Printf("\n%s:\n", title)
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-26s %v\n", k, stats[k])
	}
}

// snapshotCreate writes one point-in-time snapshot
func snapshotCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	path, err := sub.Cache.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	fmt.Printf("Snapshot written: %s\n", path)
	return nil
}

// snapshotList prints the snapshot directory contents
func snapshotList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	pm := sub.Cache.Persistence()
	if pm == nil {
		fmt.Println("Snapshots are not configured.")
		return nil
	}
	infos, err := pm.List()
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	if len(infos) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}

	fmt.Printf("%-44s %-25s %8s %10s\n", "FILE", "CREATED", "ENTRIES", "BYTES")
	for _, info := range infos {
		fmt.Printf("%-44s %-25s %8d %10d\n",
			filepath.Base(info.Path), info.CreatedAt.Format(time.RFC3339), info.TotalEntries, info.SizeBytes)
	}
	return nil
}

// snapshotCleanup prunes snapshots past the retention window
func snapshotCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	pm := sub.Cache.Persistence()
	if pm == nil {
		fmt.Println("Snapshots are not configured.")
		return nil
	}

	maxAge := sub.Config.Cache.SnapshotMaxAge()
	if snapshotMaxAgeHours > 0 {
		maxAge = time.Duration(snapshotMaxAgeHours) * time.Hour
	}
	removed, err := pm.Cleanup(maxAge)
	if err != nil {
		return fmt.Errorf("snapshot cleanup failed: %w", err)
	}
	fmt.Printf("Removed %d snapshots older than %s\n", removed, maxAge)
	return nil
}

// reviewsList prints pending review items
func reviewsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	items, err := sub.Reviews.Pending(ctx, reviewLimit, review.Reason(reviewReason))
	if err != nil {
		return fmt.Errorf("failed to list reviews: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("No pending review items.")
		return nil
	}

	fmt.Printf("%-36s %-20s %-30s %s\n", "ID", "CREATED", "REASONS", "QUERY")
	for _, item := range items {
		created := time.Unix(int64(item.CreatedAt), 0).Format("2006-01-02 15:04:05")
		fmt.Printf("%-36s %-20s %-30s %s\n", item.ID, created, joinReasons(item.Reasons), truncate(item.Query, 60))
	}
	return nil
}

func joinReasons(reasons []review.Reason) string {
	if len(reasons) == 0 {
		return "-"
	}
	out := string(reasons[0])
	for _, r := range reasons[1:] {
		out += "," + string(r)
	}
	return truncate(out, 30)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

// reviewsResolve records a verdict for one item
func reviewsResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var status review.Status
	switch resolveStatus {
	case "approved":
		status = review.StatusApproved
	case "corrected":
		status = review.StatusCorrected
	case "rejected":
		status = review.StatusRejected
	default:
		return fmt.Errorf("invalid status %q (want approved, corrected, or rejected)", resolveStatus)
	}

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	id := args[0]
	found, err := sub.Reviews.SubmitReview(ctx, id, status, resolveReviewer, resolveCorrect, resolveFeedback)
	if err != nil {
		return fmt.Errorf("failed to resolve review: %w", err)
	}
	if !found {
		return fmt.Errorf("review item %s not found", id)
	}
	fmt.Printf("Review %s resolved as %s by %s\n", id, status, resolveReviewer)
	return nil
}

// runInit performs first-time workspace setup
func runInit(cmd *cobra.Command, args []string) error {
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}

	dataDir := filepath.Join(ws, config.DataDirName)
	cfgPath := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Println("Workspace already initialized. Use 'schednerd stats' to view component state.")
		fmt.Printf("To reinitialize, delete %s first.\n", dataDir)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	for _, sub := range []string{"wal", "snapshots", "feedback", "reviews", "kg", "enrich", "logs"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", sub, err)
		}
	}

	fmt.Printf("Initialized schedNERD workspace at %s\n", ws)
	fmt.Printf("Configuration written to %s\n", cfgPath)
	fmt.Println("Next: run 'schednerd serve' to start the substrate.")
	return nil
}

// runHealth prints the cache health report
func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sub, err := bootSubstrate(ctx)
	if err != nil {
		return err
	}
	defer closeSubstrate(sub)

	report := sub.Cache.Health(ctx)
	fmt.Printf("Cache health: %s (checked %s)\n\n", report.Status, report.CheckedAt.Format(time.RFC3339))

	keys := make([]string, 0, len(report.Checks))
	for k := range report.Checks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-16s %s\n", k, report.Checks[k])
	}

	if report.Status == cache.HealthError || report.Status == cache.HealthCritical {
		return fmt.Errorf("cache health is %s", report.Status)
	}
	return nil
}
