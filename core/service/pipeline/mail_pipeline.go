// Package pipeline orchestrates batch classification and labeling: cache
// lookup, selective fetch, bounded-concurrency classification, and batched
// label application with per-message fallback.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/core/service/classification"
	"mailworker/core/service/labeling"
)

// Options control one pipeline run.
type Options struct {
	// Method selects the classification strategy. Defaults to hybrid.
	Method domain.ClassificationMethod
	// UseCache skips fetching for already-processed ids and skips labeled
	// ids entirely when ApplyLabels is set.
	UseCache bool
	// ApplyLabels applies category labels after classification.
	ApplyLabels bool
	// LabelBatchSize caps ids per batch-modify call. Clamped to the
	// provider's hard limit.
	LabelBatchSize int
}

func (o *Options) normalize() {
	if o.Method == "" {
		o.Method = domain.MethodHybrid
	}
	if o.LabelBatchSize <= 0 || o.LabelBatchSize > out.BatchModifyMax {
		o.LabelBatchSize = out.BatchModifyMax
	}
}

// Pipeline runs message ids through classification and labeling. Workers
// share no mutable state except the cache, whose writes serialize in the
// store, and the run state, which is mutex-protected.
type Pipeline struct {
	provider   out.MailProvider
	cache      out.ClassificationCache
	classifier *classification.Classifier
	labels     *labeling.Manager
	cats       *config.Categories
	workers    int
	log        zerolog.Logger
}

// New creates a pipeline with the given classification concurrency.
func New(
	provider out.MailProvider,
	cache out.ClassificationCache,
	classifier *classification.Classifier,
	labels *labeling.Manager,
	cats *config.Categories,
	workers int,
	log zerolog.Logger,
) *Pipeline {
	if workers <= 0 {
		workers = 6
	}
	return &Pipeline{
		provider:   provider,
		cache:      cache,
		classifier: classifier,
		labels:     labels,
		cats:       cats,
		workers:    workers,
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// runState accumulates per-item outcomes across workers.
type runState struct {
	mu     sync.Mutex
	report *domain.RunReport
	// toLabel maps category name to message ids awaiting that label.
	toLabel map[string][]string
}

func (s *runState) addLabelCandidate(category, messageID string) {
	s.mu.Lock()
	s.toLabel[category] = append(s.toLabel[category], messageID)
	s.mu.Unlock()
}

// classifyWorker implements pool.Worker for one message id.
type classifyWorker struct {
	p     *Pipeline
	state *runState
	opts  Options
}

// Do fetches, classifies and persists one cache-miss message. Fetch and
// classification failures are isolated per item; storage failures abort the
// pool.
func (w *classifyWorker) Do(ctx context.Context, messageID string) error {
	st := w.state

	email, err := w.p.provider.GetMessage(ctx, messageID, out.FormatFull)
	if err != nil {
		st.mu.Lock()
		if out.IsNotFound(err) {
			st.report.SkippedGone++
		} else {
			st.report.Errors++
		}
		st.mu.Unlock()
		w.p.log.Warn().Err(err).Str("message_id", messageID).Msg("fetch failed")
		return nil
	}

	st.mu.Lock()
	st.report.Fetched++
	st.mu.Unlock()

	result, err := w.p.classifier.Classify(ctx, email, w.opts.Method)
	if err != nil {
		// Record as unclassified rather than aborting the batch.
		w.p.log.Warn().Err(err).Str("message_id", messageID).Msg("classification failed")
		result = &domain.ClassificationResult{Method: domain.MethodNone}
		st.mu.Lock()
		st.report.Errors++
		st.mu.Unlock()
	}

	if err := w.p.cache.Store(ctx, email, result); err != nil {
		// Cache I/O failure is fatal for the run; continuing would let the
		// store and index diverge from reality.
		return fmt.Errorf("failed to persist classification for %s: %w", messageID, err)
	}

	st.mu.Lock()
	if result.Classified() {
		st.report.Classified++
	} else {
		st.report.Unclassified++
	}
	st.mu.Unlock()

	if w.opts.ApplyLabels && result.Classified() {
		st.addLabelCandidate(result.Category, messageID)
	}
	return nil
}

// Run executes the full pipeline over messageIDs and returns a summary
// report. Per-item failures are aggregated into the report; configuration
// and storage failures abort with an error alongside the partial report.
func (p *Pipeline) Run(ctx context.Context, messageIDs []string, opts Options) (*domain.RunReport, error) {
	opts.normalize()
	start := time.Now()

	state := &runState{
		report: &domain.RunReport{
			RunID:     uuid.NewString(),
			Requested: len(messageIDs),
			StartedAt: start.UTC(),
		},
		toLabel: make(map[string][]string),
	}
	report := state.report

	log := p.log.With().Str("run_id", report.RunID).Logger()
	log.Info().
		Int("requested", len(messageIDs)).
		Str("method", string(opts.Method)).
		Bool("use_cache", opts.UseCache).
		Bool("apply_labels", opts.ApplyLabels).
		Msg("pipeline run started")

	ids := dedupe(messageIDs)

	// Permanently done ids are dropped before anything else.
	if opts.ApplyLabels && opts.UseCache {
		kept := ids[:0]
		for _, id := range ids {
			if p.cache.IsLabeled(id) {
				report.SkippedLabeled++
				continue
			}
			kept = append(kept, id)
		}
		ids = kept
	}

	// Partition into cache hits and misses. Hits never re-fetch: a cached
	// classification needs only its id and category to be labeled.
	var misses []string
	for _, id := range ids {
		if !opts.UseCache || !p.cache.IsProcessed(id) {
			misses = append(misses, id)
			continue
		}
		report.CacheHits++
		if !opts.ApplyLabels || p.cache.IsLabeled(id) {
			continue
		}
		cached, err := p.cache.CachedClassification(ctx, id)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		if cached.Classified() {
			state.addLabelCandidate(cached.Category, id)
		}
	}

	if err := p.classifyAll(ctx, misses, state, opts); err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	if opts.ApplyLabels {
		if err := p.applyLabels(ctx, state, opts.LabelBatchSize); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
	}

	report.Duration = time.Since(start)
	log.Info().
		Int("cache_hits", report.CacheHits).
		Int("fetched", report.Fetched).
		Int("classified", report.Classified).
		Int("unclassified", report.Unclassified).
		Int("labeled", report.Labeled).
		Int("skipped_labeled", report.SkippedLabeled).
		Int("skipped_gone", report.SkippedGone).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("pipeline run finished")
	return report, nil
}

// classifyAll runs the cache-miss ids through the bounded worker pool.
func (p *Pipeline) classifyAll(ctx context.Context, ids []string, state *runState, opts Options) error {
	if len(ids) == 0 {
		return nil
	}

	worker := &classifyWorker{p: p, state: state, opts: opts}
	wp := pool.New[string](p.workers, worker)
	if err := wp.Go(ctx); err != nil {
		return fmt.Errorf("failed to start classification pool: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wp.Submit(id)
	}

	// Close drains in-flight work; a worker error (storage failure) stops
	// the pool and surfaces here.
	if err := wp.Close(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// applyLabels applies category labels batch by batch, sequentially.
// batch N+1 does not start until batch N's cache marking completed, so an
// interrupt leaves at most one batch unmarked and nothing half-marked.
func (p *Pipeline) applyLabels(ctx context.Context, state *runState, batchSize int) error {
	ids, err := p.labels.EnsureCategoryLabels(ctx, p.cats)
	if err != nil {
		return err
	}

	// Categories are visited in declaration order for reproducible runs.
	for i, category := range p.cats.Names() {
		pending := state.toLabel[category]
		if len(pending) == 0 {
			continue
		}
		labelID, ok := ids[category]
		if !ok {
			labelID, err = p.labels.EnsureLabel(ctx, category, labeling.CategoryColor(i))
			if err != nil {
				return err
			}
		}

		for len(pending) > 0 {
			if err := ctx.Err(); err != nil {
				// Stop submitting new batches; already-marked batches
				// remain consistent.
				return err
			}
			n := batchSize
			if n > len(pending) {
				n = len(pending)
			}
			batch := pending[:n]
			pending = pending[n:]

			if err := p.applyBatch(ctx, state, category, labelID, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyBatch tries one batch-modify call and falls back to per-message
// application on failure so a single bad message cannot block the batch.
func (p *Pipeline) applyBatch(ctx context.Context, state *runState, category, labelID string, batch []string) error {
	report := state.report

	err := p.provider.BatchModify(ctx, batch, []string{labelID}, nil)
	if err == nil {
		if err := p.cache.BatchMarkLabeled(ctx, batch); err != nil {
			return err
		}
		state.mu.Lock()
		report.Labeled += len(batch)
		state.mu.Unlock()
		return nil
	}

	p.log.Warn().Err(err).
		Str("category", category).
		Int("batch_size", len(batch)).
		Msg("batch modify failed, falling back to per-message apply")

	for _, id := range batch {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		applyErr := p.provider.AddLabel(ctx, id, labelID)
		switch {
		case applyErr == nil:
			if err := p.cache.MarkLabeled(ctx, id); err != nil {
				return err
			}
			state.mu.Lock()
			report.Labeled++
			state.mu.Unlock()
		case out.IsNotFound(applyErr):
			state.mu.Lock()
			report.SkippedGone++
			state.mu.Unlock()
			p.log.Warn().Str("message_id", id).Msg("message gone, label skipped")
		default:
			// Conflict retries are exhausted inside the provider; at this
			// point the item is skipped and counted.
			state.mu.Lock()
			report.Errors++
			state.mu.Unlock()
			p.log.Warn().Err(applyErr).Str("message_id", id).Msg("label apply failed")
		}
	}
	return nil
}

// RunQuery searches the mailbox and runs the pipeline over the result.
// maxResults <= 0 walks the whole query.
func (p *Pipeline) RunQuery(ctx context.Context, query string, maxResults int, opts Options) (*domain.RunReport, error) {
	ids, err := p.provider.Search(ctx, query, maxResults)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, ids, opts)
}

// PendingItem pairs a cached classification with the message's current
// headers for display.
type PendingItem struct {
	MessageID  string  `json:"message_id"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Subject    string  `json:"subject"`
	Sender     string  `json:"sender"`
	Snippet    string  `json:"snippet"`
}

// PendingPreview re-presents classified-but-unlabeled records with fresh
// headers, fetched in metadata format so no bodies are transferred.
// Messages deleted remotely since classification are skipped. limit <= 0
// previews everything.
func (p *Pipeline) PendingPreview(ctx context.Context, limit int) ([]*PendingItem, error) {
	records, err := p.cache.UnlabeledClassified(ctx, limit)
	if err != nil {
		return nil, err
	}

	items := make([]*PendingItem, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		email, err := p.provider.GetMessage(ctx, rec.MessageID, out.FormatMetadata)
		if err != nil {
			if out.IsNotFound(err) {
				p.log.Warn().Str("message_id", rec.MessageID).Msg("message gone, preview skipped")
				continue
			}
			return items, err
		}
		items = append(items, &PendingItem{
			MessageID:  rec.MessageID,
			Category:   rec.Category,
			Confidence: rec.Confidence,
			Subject:    email.Subject,
			Sender:     email.Sender,
			Snippet:    email.Snippet,
		})
	}
	return items, nil
}

// ApplyPending labels every classified-but-unlabeled record already in the
// cache, without fetching or classifying anything.
func (p *Pipeline) ApplyPending(ctx context.Context, batchSize int) (*domain.RunReport, error) {
	if batchSize <= 0 || batchSize > out.BatchModifyMax {
		batchSize = out.BatchModifyMax
	}
	start := time.Now()

	records, err := p.cache.UnlabeledClassified(ctx, 0)
	if err != nil {
		return nil, err
	}

	state := &runState{
		report: &domain.RunReport{
			RunID:     uuid.NewString(),
			Requested: len(records),
			StartedAt: start.UTC(),
		},
		toLabel: make(map[string][]string),
	}
	for _, rec := range records {
		state.toLabel[rec.Category] = append(state.toLabel[rec.Category], rec.MessageID)
	}

	if err := p.applyLabels(ctx, state, batchSize); err != nil {
		state.report.Duration = time.Since(start)
		return state.report, err
	}
	state.report.Duration = time.Since(start)
	return state.report, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
