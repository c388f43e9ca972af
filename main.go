package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"mailworker/core/domain"
	"mailworker/core/service/pipeline"
	"mailworker/internal/bootstrap"
	"mailworker/pkg/logger"
)

func main() {
	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	mode := flag.String("mode", "classify", "Run mode: classify, pending, preview, stats, export, cleanup, filters")
	query := flag.String("query", "", "Gmail search query (default: is:unread, or everything for exhaustive runs)")
	maxResults := flag.Int("max", 100, "Maximum messages to process, <= 0 for exhaustive")
	method := flag.String("method", "hybrid", "Classification method: rule_based, ml, hybrid")
	applyLabels := flag.Bool("apply-labels", false, "Apply category labels after classification")
	noCache := flag.Bool("no-cache", false, "Ignore the classification cache")
	batchSize := flag.Int("batch", 100, "Label batch size (max 100)")
	reportPath := flag.String("report", "", "Write the run report to this JSON file")
	exportPath := flag.String("export", "classifications.json", "Export destination (export mode)")
	days := flag.Int("days", 90, "Age cutoff in days (cleanup mode)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx)
	if err != nil {
		logger.Fatal("Failed to initialize: %v", err)
	}
	defer app.Close()

	switch *mode {
	case "classify":
		runClassify(ctx, app, *query, *maxResults, *method, *applyLabels, !*noCache, *batchSize, *reportPath)
	case "pending":
		runPending(ctx, app, *batchSize)
	case "preview":
		runPreview(ctx, app, *maxResults)
	case "stats":
		runStats(ctx, app)
	case "export":
		runExport(ctx, app, *exportPath)
	case "cleanup":
		runCleanup(ctx, app, *days)
	case "filters":
		runFilters(ctx, app)
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runClassify(ctx context.Context, app *bootstrap.App, query string, maxResults int, method string, applyLabels, useCache bool, batchSize int, reportPath string) {
	// Exhaustive runs walk the whole mailbox; bounded ones default to
	// unread mail.
	if query == "" && maxResults > 0 && maxResults < 1000 {
		query = "is:unread"
	}

	report, err := app.Pipeline.RunQuery(ctx, query, maxResults, pipeline.Options{
		Method:         domain.ClassificationMethod(method),
		UseCache:       useCache,
		ApplyLabels:    applyLabels,
		LabelBatchSize: batchSize,
	})
	if err != nil {
		if report != nil {
			printReport(report)
		}
		logger.Fatal("Pipeline run failed: %v", err)
	}

	printReport(report)
	if reportPath != "" {
		if err := writeReport(report, reportPath); err != nil {
			logger.Error("Failed to write report: %v", err)
		}
	}
}

func runPending(ctx context.Context, app *bootstrap.App, batchSize int) {
	report, err := app.Pipeline.ApplyPending(ctx, batchSize)
	if err != nil {
		if report != nil {
			printReport(report)
		}
		logger.Fatal("Applying pending labels failed: %v", err)
	}
	printReport(report)
}

func runPreview(ctx context.Context, app *bootstrap.App, limit int) {
	items, err := app.Pipeline.PendingPreview(ctx, limit)
	if err != nil {
		logger.Fatal("Pending preview failed: %v", err)
	}

	fmt.Printf("%d classifications awaiting labels\n", len(items))
	for _, item := range items {
		fmt.Printf("  %s  %-28s %.2f  %s (%s)\n",
			item.MessageID, item.Category, item.Confidence, item.Subject, item.Sender)
	}
}

func runStats(ctx context.Context, app *bootstrap.App) {
	stats, err := app.Cache.Stats(ctx)
	if err != nil {
		logger.Fatal("Failed to read cache stats: %v", err)
	}

	fmt.Printf("Processed: %d\n", stats.TotalProcessed)
	fmt.Printf("Classified: %d\n", stats.Classified)
	fmt.Printf("Labeled: %d\n", stats.Labeled)
	fmt.Printf("Pending labels: %d\n", stats.PendingLabels)
	fmt.Println("By category:")
	for category, count := range stats.ByCategory {
		fmt.Printf("  %s: %d\n", category, count)
	}
	fmt.Println("By method:")
	for method, count := range stats.ByMethod {
		fmt.Printf("  %s: %d\n", method, count)
	}
}

func runExport(ctx context.Context, app *bootstrap.App, path string) {
	count, err := app.Cache.Export(ctx, path)
	if err != nil {
		logger.Fatal("Export failed: %v", err)
	}
	logger.WithField("path", path).Info("exported %d classifications", count)
}

func runCleanup(ctx context.Context, app *bootstrap.App, days int) {
	deleted, err := app.Cache.CleanupOlderThan(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		logger.Fatal("Cleanup failed: %v", err)
	}
	logger.Info("deleted %d labeled cache entries older than %d days", deleted, days)
}

func runFilters(ctx context.Context, app *bootstrap.App) {
	created, err := app.Labels.CreateCategoryFilters(ctx, app.Categories)
	if err != nil {
		logger.Fatal("Filter provisioning failed after %d filters: %v", created, err)
	}
	logger.Info("created %d category filters", created)
}

func printReport(r *domain.RunReport) {
	fmt.Printf("Run %s finished in %s\n", r.RunID, r.Duration.Round(time.Millisecond))
	fmt.Printf("  requested:        %d\n", r.Requested)
	fmt.Printf("  skipped (done):   %d\n", r.SkippedLabeled)
	fmt.Printf("  cache hits:       %d\n", r.CacheHits)
	fmt.Printf("  fetched:          %d\n", r.Fetched)
	fmt.Printf("  classified:       %d\n", r.Classified)
	fmt.Printf("  unclassified:     %d\n", r.Unclassified)
	fmt.Printf("  labeled:          %d\n", r.Labeled)
	fmt.Printf("  skipped (gone):   %d\n", r.SkippedGone)
	fmt.Printf("  errors:           %d\n", r.Errors)
}

func writeReport(r *domain.RunReport, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
