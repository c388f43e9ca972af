package classification

import (
	"context"
	"fmt"
	"sync"

	"mailworker/core/domain"
	"mailworker/core/port/out"
)

// Strategy is one classification variant. The classifier dispatches on the
// closed set of method names through this interface.
type Strategy interface {
	Method() domain.ClassificationMethod
	Classify(ctx context.Context, email *domain.Email) (*domain.ClassificationResult, error)
}

// =============================================================================
// Rule-based strategy
// =============================================================================

type ruleStrategy struct {
	scorer *RuleScorer
}

func (s *ruleStrategy) Method() domain.ClassificationMethod { return domain.MethodRuleBased }

func (s *ruleStrategy) Classify(_ context.Context, email *domain.Email) (*domain.ClassificationResult, error) {
	return s.scorer.Classify(email), nil
}

// =============================================================================
// ML strategy
// =============================================================================

type mlStrategy struct {
	ml out.MLClassifier
}

func (s *mlStrategy) Method() domain.ClassificationMethod { return domain.MethodML }

func (s *mlStrategy) Classify(ctx context.Context, email *domain.Email) (*domain.ClassificationResult, error) {
	if s.ml == nil {
		return &domain.ClassificationResult{Method: domain.MethodNone}, nil
	}
	pred, err := s.ml.Predict(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("ml prediction failed: %w", err)
	}
	if !pred.Available || pred.Category == "" {
		return &domain.ClassificationResult{Method: domain.MethodNone}, nil
	}
	return &domain.ClassificationResult{
		Category:   pred.Category,
		Confidence: pred.Confidence,
		Method:     domain.MethodML,
	}, nil
}

// =============================================================================
// Hybrid strategy
// =============================================================================

type hybridStrategy struct {
	scorer  *RuleScorer
	ml      out.MLClassifier
	decider *HybridDecider
}

func (s *hybridStrategy) Method() domain.ClassificationMethod { return domain.MethodHybrid }

func (s *hybridStrategy) Classify(ctx context.Context, email *domain.Email) (*domain.ClassificationResult, error) {
	category, conf, scores := s.scorer.ScoreAll(email)

	pred := out.Unavailable()
	if s.ml != nil {
		p, err := s.ml.Predict(ctx, email)
		if err == nil {
			pred = p
		}
		// A failed prediction degrades to rule-only rather than failing
		// the whole email.
	}

	// With a model in play the cascade must only see rule winners that
	// cleared the configured threshold; raw scores carry the priority
	// bonus and would surface on rule branches with zero matches. The
	// rule-only path keeps sub-threshold winners and tags them instead.
	if pred.Available && conf < s.scorer.Threshold() {
		category, conf = "", 0
	}
	return s.decider.Decide(category, conf, scores, pred), nil
}

// =============================================================================
// Classifier facade
// =============================================================================

// StatsSnapshot is a point-in-time view of classification counters.
type StatsSnapshot struct {
	Total        int
	Classified   int
	Unclassified int
	ByMethod     map[string]int
	ByCategory   map[string]int
}

// Classifier dispatches emails to one of the registered strategies and
// keeps running counters. Safe for concurrent use.
type Classifier struct {
	strategies map[domain.ClassificationMethod]Strategy

	mu         sync.Mutex
	total      int
	classified int
	byMethod   map[string]int
	byCategory map[string]int
}

// NewClassifier wires the three strategies over a shared scorer. ml may be
// nil; the ml strategy then reports none and hybrid degrades to rule-only.
func NewClassifier(scorer *RuleScorer, ml out.MLClassifier) *Classifier {
	decider := NewHybridDecider(scorer.Threshold())
	c := &Classifier{
		strategies: make(map[domain.ClassificationMethod]Strategy),
		byMethod:   make(map[string]int),
		byCategory: make(map[string]int),
	}
	for _, s := range []Strategy{
		&ruleStrategy{scorer: scorer},
		&mlStrategy{ml: ml},
		&hybridStrategy{scorer: scorer, ml: ml, decider: decider},
	} {
		c.strategies[s.Method()] = s
	}
	return c
}

// Classify runs one email through the named strategy. Unknown methods are a
// caller bug and fail fast.
func (c *Classifier) Classify(ctx context.Context, email *domain.Email, method domain.ClassificationMethod) (*domain.ClassificationResult, error) {
	strategy, ok := c.strategies[method]
	if !ok {
		return nil, fmt.Errorf("unknown classification method: %s", method)
	}

	result, err := strategy.Classify(ctx, email)
	if err != nil {
		return nil, err
	}
	c.record(result)
	return result, nil
}

func (c *Classifier) record(result *domain.ClassificationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if result.Classified() {
		c.classified++
		c.byCategory[result.Category]++
	}
	c.byMethod[string(result.Method)]++
}

// Stats returns a copy of the running counters.
func (c *Classifier) Stats() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := StatsSnapshot{
		Total:        c.total,
		Classified:   c.classified,
		Unclassified: c.total - c.classified,
		ByMethod:     make(map[string]int, len(c.byMethod)),
		ByCategory:   make(map[string]int, len(c.byCategory)),
	}
	for k, v := range c.byMethod {
		snap.ByMethod[k] = v
	}
	for k, v := range c.byCategory {
		snap.ByCategory[k] = v
	}
	return snap
}
