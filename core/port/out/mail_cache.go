package out

import (
	"context"
	"time"

	"mailworker/core/domain"
)

// ClassificationCache is the durable store keyed by message id. It carries an
// in-memory index rebuilt at construction; the index and the persisted store
// are updated together within each write, so they never diverge. Storage
// errors propagate to the caller and are fatal to the current operation.
type ClassificationCache interface {
	// IsProcessed reports whether the message has a record. O(1).
	IsProcessed(messageID string) bool

	// IsLabeled reports whether the label was already applied. O(1).
	IsLabeled(messageID string) bool

	// CachedClassification returns the stored category and confidence, or
	// nil when the message has no record or was stored unclassified.
	CachedClassification(ctx context.Context, messageID string) (*domain.ClassificationResult, error)

	// Store upserts the record. Classification fields are overwritten;
	// label_applied, once true, is never reset.
	Store(ctx context.Context, email *domain.Email, result *domain.ClassificationResult) error

	// MarkLabeled flips label_applied to true. Called only after the remote
	// label call has been confirmed.
	MarkLabeled(ctx context.Context, messageID string) error
	BatchMarkLabeled(ctx context.Context, messageIDs []string) error

	// UnlabeledClassified returns records with a category but no label yet.
	UnlabeledClassified(ctx context.Context, limit int) ([]*domain.CacheRecord, error)

	// FilterUnprocessed returns the subset of ids with no record, preserving
	// input order.
	FilterUnprocessed(messageIDs []string) []string

	Stats(ctx context.Context) (*domain.CacheStats, error)
	Export(ctx context.Context, path string) (int, error)
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)

	Close() error
}

// MLClassifier is the narrow contract to an external learned model.
type MLClassifier interface {
	// Predict returns a category and confidence for the email. When the
	// model is not available the prediction carries Available=false,
	// confidence 0 and no category.
	Predict(ctx context.Context, email *domain.Email) (*MLPrediction, error)
}

// MLPrediction is the model's answer for one email.
type MLPrediction struct {
	Category   string
	Confidence float64
	Available  bool
}

// Unavailable is the prediction used when no model is configured or loaded.
func Unavailable() *MLPrediction {
	return &MLPrediction{Available: false}
}
