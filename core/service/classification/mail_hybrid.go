package classification

import (
	"mailworker/core/domain"
	"mailworker/core/port/out"
)

// Cascade thresholds. The branch order below is a behavioral contract:
// high-confidence ML wins over rules, but rules win at moderate confidence
// because they are auditable.
const (
	mlHighConfidence   = 0.7
	ruleHighConfidence = 0.8
	ruleModerate       = 0.5
	mlVeto             = 0.6
	mlModerate         = 0.4
	ruleFallback       = 0.3
	fallbackDiscount   = 0.8
)

// HybridDecider fuses a rule score and an ML prediction into one final
// classification.
type HybridDecider struct {
	// ruleThreshold gates the rule-only path taken when no ML prediction
	// is available.
	ruleThreshold float64
}

// NewHybridDecider creates a decider. ruleThreshold is the configured
// confidence threshold used when the ML classifier is unavailable.
func NewHybridDecider(ruleThreshold float64) *HybridDecider {
	return &HybridDecider{ruleThreshold: ruleThreshold}
}

// Decide evaluates the cascade strictly in order; the first matching branch
// wins. When a prediction is available the caller passes an empty
// ruleCategory and zero ruleConf for winners that fell below the configured
// threshold. scores is attached to the returned result unchanged.
func (d *HybridDecider) Decide(ruleCategory string, ruleConf float64, scores map[string]float64, ml *out.MLPrediction) *domain.ClassificationResult {
	if ml == nil || !ml.Available {
		return d.decideRuleOnly(ruleCategory, ruleConf, scores)
	}

	switch {
	case ml.Confidence > mlHighConfidence:
		return &domain.ClassificationResult{
			Category:   ml.Category,
			Confidence: ml.Confidence,
			Method:     domain.MethodMLHighConfidence,
			Scores:     scores,
		}
	case ruleConf > ruleHighConfidence:
		return &domain.ClassificationResult{
			Category:   ruleCategory,
			Confidence: ruleConf,
			Method:     domain.MethodRuleBasedHighConfidence,
			Scores:     scores,
		}
	case ruleConf > ruleModerate && ml.Confidence < mlVeto:
		return &domain.ClassificationResult{
			Category:   ruleCategory,
			Confidence: ruleConf,
			Method:     domain.MethodRuleBasedModerate,
			Scores:     scores,
		}
	case ml.Confidence > mlModerate:
		return &domain.ClassificationResult{
			Category:   ml.Category,
			Confidence: ml.Confidence,
			Method:     domain.MethodMLModerate,
			Scores:     scores,
		}
	case ruleConf > ruleFallback:
		return &domain.ClassificationResult{
			Category:   ruleCategory,
			Confidence: ruleConf * fallbackDiscount,
			Method:     domain.MethodRuleBasedFallback,
			Scores:     scores,
		}
	default:
		return &domain.ClassificationResult{
			Method: domain.MethodNone,
			Scores: scores,
		}
	}
}

// decideRuleOnly handles the no-model path: the rule winner is kept, tagged
// by whether it cleared the configured threshold.
func (d *HybridDecider) decideRuleOnly(ruleCategory string, ruleConf float64, scores map[string]float64) *domain.ClassificationResult {
	if ruleCategory == "" || ruleConf <= 0 {
		return &domain.ClassificationResult{
			Method: domain.MethodNone,
			Scores: scores,
		}
	}
	method := domain.MethodHybridRuleLowConfidence
	if ruleConf >= d.ruleThreshold {
		method = domain.MethodHybridRule
	}
	return &domain.ClassificationResult{
		Category:   ruleCategory,
		Confidence: ruleConf,
		Method:     method,
		Scores:     scores,
	}
}
