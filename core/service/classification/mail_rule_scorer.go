// Package classification implements the score-based email classification
// engine: rule scoring, the ML contract, and the hybrid decision cascade.
package classification

import (
	"strings"

	"mailworker/config"
	"mailworker/core/domain"
)

// emailFeatures holds the normalized text fields matched against rules.
// Normalization happens once per email, not once per category.
type emailFeatures struct {
	sender       string
	senderDomain string
	subject      string
	content      string
	// combined is subject+content+sender, used for exclusion scanning.
	combined string
	// subjectContent is subject+content, used for negative keywords.
	subjectContent string
}

// RuleScorer computes per-category affinity scores from the configured
// domain lists, keyword lists, exclusions and priorities. Scoring is a pure
// function of the email's text fields.
type RuleScorer struct {
	cats    *config.Categories
	weights config.ScoringWeights
	global  config.GlobalSettings
}

// NewRuleScorer creates a scorer over an immutable category configuration.
func NewRuleScorer(cats *config.Categories) *RuleScorer {
	return &RuleScorer{
		cats:    cats,
		weights: cats.Weights,
		global:  cats.Global,
	}
}

func (s *RuleScorer) features(email *domain.Email) *emailFeatures {
	sender := email.Sender
	subject := email.Subject
	content := ""
	if s.global.EnableContentAnalysis {
		content = email.Content()
	}

	if !s.global.CaseSensitive {
		sender = strings.ToLower(sender)
		subject = strings.ToLower(subject)
		content = strings.ToLower(content)
	}

	return &emailFeatures{
		sender:         sender,
		senderDomain:   email.SenderDomain(),
		subject:        subject,
		content:        content,
		combined:       subject + " " + content + " " + sender,
		subjectContent: subject + " " + content,
	}
}

func (s *RuleScorer) normalize(pattern string) string {
	if s.global.CaseSensitive {
		return pattern
	}
	return strings.ToLower(pattern)
}

// score computes one category's total. Signals are summed in a fixed order:
// domain, subject keywords, content keywords, exclusion penalty, negative
// keyword penalties, priority bonus.
func (s *RuleScorer) score(f *emailFeatures, cat *config.Category) float64 {
	var total float64

	// Domain match: one bonus at most, high tier takes precedence.
	domainMatched := false
	for _, pat := range cat.Domains.HighConfidence {
		if pat != "" && strings.Contains(f.senderDomain, strings.ToLower(pat)) {
			total += s.weights.DomainHighConfidence
			domainMatched = true
			break
		}
	}
	if !domainMatched {
		for _, pat := range cat.Domains.MediumConfidence {
			if pat != "" && strings.Contains(f.senderDomain, strings.ToLower(pat)) {
				total += s.weights.DomainMediumConfidence
				break
			}
		}
	}

	// Subject keywords stack per match, uncapped.
	for _, kw := range cat.Keywords.SubjectHigh {
		if kw != "" && strings.Contains(f.subject, s.normalize(kw)) {
			total += s.weights.SubjectHigh
		}
	}
	for _, kw := range cat.Keywords.SubjectMedium {
		if kw != "" && strings.Contains(f.subject, s.normalize(kw)) {
			total += s.weights.SubjectMedium
		}
	}

	// Content keywords only when content analysis is enabled.
	if s.global.EnableContentAnalysis {
		for _, kw := range cat.Keywords.ContentHigh {
			if kw != "" && strings.Contains(f.content, s.normalize(kw)) {
				total += s.weights.ContentHigh
			}
		}
		for _, kw := range cat.Keywords.ContentMedium {
			if kw != "" && strings.Contains(f.content, s.normalize(kw)) {
				total += s.weights.ContentMedium
			}
		}
	}

	// Exclusion penalty applies once; the first match short-circuits.
	for _, ex := range cat.Exclusions {
		if ex != "" && strings.Contains(f.combined, s.normalize(ex)) {
			total += s.weights.ExclusionPenalty
			break
		}
	}

	// Negative keyword penalties stack.
	for _, kw := range cat.NegativeKeywords {
		if kw != "" && strings.Contains(f.subjectContent, s.normalize(kw)) {
			total += s.weights.NegativeKeywordPenalty
		}
	}

	// Lower numeric priority earns a larger bonus.
	total += float64(10-cat.Priority) * s.weights.PriorityBonus

	return total
}

// ScoreAll scores every category and returns the winner before any
// threshold gating, plus the full per-category score map. Categories are
// visited in declaration order and ties keep the first maximum, so the
// winner is reproducible for identical input.
func (s *RuleScorer) ScoreAll(email *domain.Email) (string, float64, map[string]float64) {
	f := s.features(email)
	scores := make(map[string]float64)

	var topCategory string
	var topScore float64
	first := true

	for _, cat := range s.cats.Ordered() {
		sc := s.score(f, cat)
		scores[cat.Name] = sc
		if first || sc > topScore {
			topCategory = cat.Name
			topScore = sc
			first = false
		}
	}
	return topCategory, topScore, scores
}

// Classify runs rule scoring and gates the winner on the configured
// confidence threshold. Below threshold no category is surfaced, but the
// raw scores remain available on the result.
func (s *RuleScorer) Classify(email *domain.Email) *domain.ClassificationResult {
	category, score, scores := s.ScoreAll(email)

	result := &domain.ClassificationResult{
		Method: domain.MethodRuleBased,
		Scores: scores,
	}
	if score >= s.global.ConfidenceThreshold {
		result.Category = category
		result.Confidence = score
	}
	return result
}

// Threshold exposes the configured confidence threshold.
func (s *RuleScorer) Threshold() float64 {
	return s.global.ConfidenceThreshold
}
