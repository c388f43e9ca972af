package labeling

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
)

type fakeLabelProvider struct {
	out.MailProvider

	mu          sync.Mutex
	labels      []*domain.Label
	getCalls    int
	createCalls int
	filterErr   map[string]error
	filters     []string
}

func (f *fakeLabelProvider) GetLabels(_ context.Context) ([]*domain.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return append([]*domain.Label(nil), f.labels...), nil
}

func (f *fakeLabelProvider) CreateLabel(_ context.Context, name string, _ *domain.LabelColor) (*domain.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	label := &domain.Label{ID: "label-" + name, Name: name, Type: "user"}
	f.labels = append(f.labels, label)
	return label, nil
}

func (f *fakeLabelProvider) CreateFilter(_ context.Context, fromPattern, labelID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.filterErr[fromPattern]; err != nil {
		return "", err
	}
	f.filters = append(f.filters, fromPattern)
	return "filter-1", nil
}

func labelTestCategories(t *testing.T) *config.Categories {
	t.Helper()
	cats, err := config.NewCategories([]*config.Category{
		{
			Name:     "Finance & Bills",
			Priority: 1,
			Domains:  config.DomainLists{HighConfidence: []string{"hdfcbank.com", "icicibank.com"}},
		},
		{
			Name:     "Shopping & Orders",
			Priority: 3,
			Domains:  config.DomainLists{HighConfidence: []string{"flipkart.com"}},
		},
	}, config.DefaultScoringWeights(), config.DefaultGlobalSettings())
	if err != nil {
		t.Fatalf("NewCategories() error = %v", err)
	}
	return cats
}

func TestEnsureLabelReusesExisting(t *testing.T) {
	provider := &fakeLabelProvider{
		labels: []*domain.Label{{ID: "existing-id", Name: "Finance & Bills", Type: "user"}},
	}
	m := NewManager(provider)
	ctx := context.Background()

	id, err := m.EnsureLabel(ctx, "Finance & Bills", CategoryColor(0))
	if err != nil {
		t.Fatalf("EnsureLabel() error = %v", err)
	}
	if id != "existing-id" {
		t.Errorf("id = %q, want existing-id", id)
	}
	if provider.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 for existing label", provider.createCalls)
	}

	// The provider listing is fetched once and cached.
	if _, err := m.EnsureLabel(ctx, "Finance & Bills", CategoryColor(0)); err != nil {
		t.Fatalf("EnsureLabel() error = %v", err)
	}
	if provider.getCalls != 1 {
		t.Errorf("getCalls = %d, want 1", provider.getCalls)
	}
}

func TestEnsureCategoryLabelsCreatesMissing(t *testing.T) {
	provider := &fakeLabelProvider{}
	m := NewManager(provider)

	ids, err := m.EnsureCategoryLabels(context.Background(), labelTestCategories(t))
	if err != nil {
		t.Fatalf("EnsureCategoryLabels() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 entries", ids)
	}
	if ids["Finance & Bills"] != "label-Finance & Bills" {
		t.Errorf("ids = %v", ids)
	}
	if provider.createCalls != 2 {
		t.Errorf("createCalls = %d, want 2", provider.createCalls)
	}
}

func TestCategoryColorCycles(t *testing.T) {
	if CategoryColor(0) == nil || CategoryColor(3) == nil {
		t.Fatal("CategoryColor returned nil")
	}
	if *CategoryColor(0) != *CategoryColor(4) {
		t.Error("palette must cycle every four categories")
	}
	if *CategoryColor(0) == *CategoryColor(1) {
		t.Error("adjacent categories share a color")
	}
}

func TestCreateCategoryFilters(t *testing.T) {
	provider := &fakeLabelProvider{
		filterErr: map[string]error{"@icicibank.com": errors.New("filter limit reached")},
	}
	m := NewManager(provider)

	created, err := m.CreateCategoryFilters(context.Background(), labelTestCategories(t))
	if err != nil {
		t.Fatalf("CreateCategoryFilters() error = %v", err)
	}
	// Three high-confidence domains, one fails and is skipped.
	if created != 2 {
		t.Errorf("created = %d, want 2", created)
	}
	want := []string{"@hdfcbank.com", "@flipkart.com"}
	if len(provider.filters) != len(want) {
		t.Fatalf("filters = %v, want %v", provider.filters, want)
	}
	for i, p := range want {
		if provider.filters[i] != p {
			t.Errorf("filters[%d] = %q, want %q", i, provider.filters[i], p)
		}
	}
}
