package domain

import "time"

// ClassificationMethod identifies which strategy produced a result.
type ClassificationMethod string

const (
	// Direct strategies.
	MethodRuleBased ClassificationMethod = "rule_based"
	MethodML        ClassificationMethod = "ml"
	MethodHybrid    ClassificationMethod = "hybrid"

	// Hybrid cascade outcomes when an ML prediction is available.
	MethodMLHighConfidence        ClassificationMethod = "ml_high_confidence"
	MethodRuleBasedHighConfidence ClassificationMethod = "rule_based_high_confidence"
	MethodRuleBasedModerate       ClassificationMethod = "rule_based_moderate"
	MethodMLModerate              ClassificationMethod = "ml_moderate"
	MethodRuleBasedFallback       ClassificationMethod = "rule_based_fallback"

	// Hybrid outcomes when the ML classifier is unavailable.
	MethodHybridRule              ClassificationMethod = "hybrid_rule"
	MethodHybridML                ClassificationMethod = "hybrid_ml"
	MethodHybridRuleLowConfidence ClassificationMethod = "hybrid_rule_low_confidence"

	// No strategy produced a category above threshold.
	MethodNone ClassificationMethod = "none"
)

// ClassificationResult is produced fresh per email and never mutated after
// creation. Category is empty when no category cleared the threshold.
type ClassificationResult struct {
	Category   string
	Confidence float64
	Method     ClassificationMethod
	Scores     map[string]float64
}

// Classified reports whether a category was assigned.
func (r *ClassificationResult) Classified() bool {
	return r != nil && r.Category != ""
}

// CacheRecord is the durable per-message state tracking classification and
// label-application progress. LabelApplied flips false to true exactly once;
// re-classification overwrites the classification fields but never resets it.
type CacheRecord struct {
	MessageID      string
	ThreadID       string
	Subject        string
	Sender         string
	Receiver       string
	DateReceived   time.Time
	Snippet        string
	ContentHash    string
	ProcessedAt    time.Time
	Method         ClassificationMethod
	Category       string
	Confidence     float64
	LabelApplied   bool
	LabelAppliedAt time.Time
	RawData        string
}

// CacheStats aggregates cache contents for reporting.
type CacheStats struct {
	TotalProcessed int
	Classified     int
	Labeled        int
	PendingLabels  int
	ByCategory     map[string]int
	ByMethod       map[string]int
}

// RunReport summarizes one pipeline run. Per-item failures are aggregated
// here rather than aborting the batch.
type RunReport struct {
	RunID          string
	Requested      int
	SkippedLabeled int
	CacheHits      int
	Fetched        int
	Classified     int
	Unclassified   int
	Labeled        int
	SkippedGone    int
	Errors         int
	StartedAt      time.Time
	Duration       time.Duration
}
