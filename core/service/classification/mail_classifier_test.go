package classification

import (
	"context"
	"errors"
	"testing"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
)

type stubML struct {
	pred *out.MLPrediction
	err  error
}

func (s *stubML) Predict(_ context.Context, _ *domain.Email) (*out.MLPrediction, error) {
	return s.pred, s.err
}

func financeEmail() *domain.Email {
	return &domain.Email{
		MessageID: "m1",
		Sender:    "alerts@hdfcbank.com",
		Subject:   "Your statement and payment due reminder",
	}
}

func TestClassifierDispatch(t *testing.T) {
	cats := testCategories(t, config.DefaultGlobalSettings())
	scorer := NewRuleScorer(cats)
	ctx := context.Background()

	tests := []struct {
		name         string
		ml           out.MLClassifier
		method       domain.ClassificationMethod
		wantCategory string
		wantMethod   domain.ClassificationMethod
	}{
		{
			name:         "rule based",
			ml:           nil,
			method:       domain.MethodRuleBased,
			wantCategory: "Finance & Bills",
			wantMethod:   domain.MethodRuleBased,
		},
		{
			name:         "ml with prediction",
			ml:           &stubML{pred: &out.MLPrediction{Category: "Finance & Bills", Confidence: 0.9, Available: true}},
			method:       domain.MethodML,
			wantCategory: "Finance & Bills",
			wantMethod:   domain.MethodML,
		},
		{
			name:       "ml without classifier reports none",
			ml:         nil,
			method:     domain.MethodML,
			wantMethod: domain.MethodNone,
		},
		{
			name:       "ml unavailable reports none",
			ml:         &stubML{pred: out.Unavailable()},
			method:     domain.MethodML,
			wantMethod: domain.MethodNone,
		},
		{
			name:         "hybrid with strong ml",
			ml:           &stubML{pred: &out.MLPrediction{Category: "Promotions & Marketing", Confidence: 0.9, Available: true}},
			method:       domain.MethodHybrid,
			wantCategory: "Promotions & Marketing",
			wantMethod:   domain.MethodMLHighConfidence,
		},
		{
			name:         "hybrid without ml degrades to rule only",
			ml:           nil,
			method:       domain.MethodHybrid,
			wantCategory: "Finance & Bills",
			wantMethod:   domain.MethodHybridRule,
		},
		{
			name:         "hybrid survives ml failure",
			ml:           &stubML{err: errors.New("model offline")},
			method:       domain.MethodHybrid,
			wantCategory: "Finance & Bills",
			wantMethod:   domain.MethodHybridRule,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(scorer, tt.ml)
			got, err := c.Classify(ctx, financeEmail(), tt.method)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCategory)
			}
			if got.Method != tt.wantMethod {
				t.Errorf("Method = %q, want %q", got.Method, tt.wantMethod)
			}
		})
	}
}

func TestHybridGatesSubThresholdRuleScore(t *testing.T) {
	cats := testCategories(t, config.DefaultGlobalSettings())
	scorer := NewRuleScorer(cats)
	ctx := context.Background()

	// Matches nothing, but still scores 1.35 raw for Finance & Bills from
	// the priority bonus alone. With a live model that raw winner must be
	// gated out before the cascade, or it lands on a rule branch.
	junk := &domain.Email{
		MessageID: "m2",
		Sender:    "someone@example.org",
		Subject:   "hello there",
		BodyText:  "just checking in",
	}

	tests := []struct {
		name         string
		ml           out.MLClassifier
		wantCategory string
		wantMethod   domain.ClassificationMethod
	}{
		{
			name:       "weak ml and sub-threshold rules classify nothing",
			ml:         &stubML{pred: &out.MLPrediction{Category: "Promotions & Marketing", Confidence: 0.2, Available: true}},
			wantMethod: domain.MethodNone,
		},
		{
			name:         "moderate ml wins over the gated rule winner",
			ml:           &stubML{pred: &out.MLPrediction{Category: "Promotions & Marketing", Confidence: 0.45, Available: true}},
			wantCategory: "Promotions & Marketing",
			wantMethod:   domain.MethodMLModerate,
		},
		{
			name:         "no model keeps the low confidence winner",
			ml:           nil,
			wantCategory: "Finance & Bills",
			wantMethod:   domain.MethodHybridRuleLowConfidence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(scorer, tt.ml)
			got, err := c.Classify(ctx, junk, domain.MethodHybrid)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got.Category != tt.wantCategory {
				t.Errorf("Category = %q, want %q", got.Category, tt.wantCategory)
			}
			if got.Method != tt.wantMethod {
				t.Errorf("Method = %q, want %q", got.Method, tt.wantMethod)
			}
			if tt.wantCategory == "" && got.Classified() {
				t.Error("Classified() = true, want false")
			}
		})
	}
}

func TestClassifierUnknownMethod(t *testing.T) {
	cats := testCategories(t, config.DefaultGlobalSettings())
	c := NewClassifier(NewRuleScorer(cats), nil)

	if _, err := c.Classify(context.Background(), financeEmail(), "bayesian"); err == nil {
		t.Error("Classify() with unknown method should fail")
	}
}

func TestClassifierStats(t *testing.T) {
	cats := testCategories(t, config.DefaultGlobalSettings())
	c := NewClassifier(NewRuleScorer(cats), nil)
	ctx := context.Background()

	if _, err := c.Classify(ctx, financeEmail(), domain.MethodRuleBased); err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	// No signals at all, stays unclassified.
	if _, err := c.Classify(ctx, &domain.Email{Subject: "hello"}, domain.MethodRuleBased); err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	stats := c.Stats()
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.Classified != 1 {
		t.Errorf("Classified = %d, want 1", stats.Classified)
	}
	if stats.Unclassified != 1 {
		t.Errorf("Unclassified = %d, want 1", stats.Unclassified)
	}
	if stats.ByCategory["Finance & Bills"] != 1 {
		t.Errorf("ByCategory = %v, want Finance & Bills counted once", stats.ByCategory)
	}
	if stats.ByMethod[string(domain.MethodRuleBased)] != 2 {
		t.Errorf("ByMethod = %v, want rule_based counted twice", stats.ByMethod)
	}
}
