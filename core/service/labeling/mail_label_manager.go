// Package labeling manages provider-side labels for configured categories.
package labeling

import (
	"context"
	"fmt"
	"sync"

	"mailworker/config"
	"mailworker/core/domain"
	"mailworker/core/port/out"
	"mailworker/pkg/logger"
)

// Manager resolves category names to label ids, creating labels on demand.
// The name-to-id cache is filled from the provider once per run.
type Manager struct {
	provider out.MailProvider
	log      *logger.Logger

	mu     sync.Mutex
	byName map[string]string
	loaded bool
}

// NewManager creates a label manager over the provider.
func NewManager(provider out.MailProvider) *Manager {
	return &Manager{
		provider: provider,
		log:      logger.WithField("component", "label_manager"),
		byName:   make(map[string]string),
	}
}

func (m *Manager) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	labels, err := m.provider.GetLabels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load labels: %w", err)
	}
	for _, l := range labels {
		m.byName[l.Name] = l.ID
	}
	m.loaded = true
	return nil
}

// EnsureLabel returns the id for name, creating the label when it does not
// exist. A create lost to a concurrent run resolves to the winner's id.
func (m *Manager) EnsureLabel(ctx context.Context, name string, color *domain.LabelColor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return "", err
	}
	if id, ok := m.byName[name]; ok {
		return id, nil
	}

	label, err := m.provider.CreateLabel(ctx, name, color)
	if err != nil {
		return "", fmt.Errorf("failed to create label %q: %w", name, err)
	}
	m.byName[name] = label.ID
	m.log.WithField("label_id", label.ID).Info("created label %q", name)
	return label.ID, nil
}

// paletteOrder assigns colors to categories deterministically.
var paletteOrder = []string{"red", "blue", "green", "yellow"}

// CategoryColor picks a stable color for the i-th category.
func CategoryColor(i int) *domain.LabelColor {
	c := domain.LabelColors[paletteOrder[i%len(paletteOrder)]]
	return &c
}

// EnsureCategoryLabels resolves a label id for every configured category, in
// declaration order, and returns the name-to-id mapping.
func (m *Manager) EnsureCategoryLabels(ctx context.Context, cats *config.Categories) (map[string]string, error) {
	ids := make(map[string]string)
	for i, name := range cats.Names() {
		id, err := m.EnsureLabel(ctx, name, CategoryColor(i))
		if err != nil {
			return nil, err
		}
		ids[name] = id
	}
	return ids, nil
}

// CreateCategoryFilters provisions provider-side filters that auto-apply
// each category's label for its high-confidence sender domains. Returns the
// number of filters created; per-domain failures are logged and skipped.
func (m *Manager) CreateCategoryFilters(ctx context.Context, cats *config.Categories) (int, error) {
	created := 0
	for i, cat := range cats.Ordered() {
		labelID, err := m.EnsureLabel(ctx, cat.Name, CategoryColor(i))
		if err != nil {
			return created, err
		}
		for _, d := range cat.Domains.HighConfidence {
			if d == "" {
				continue
			}
			if _, err := m.provider.CreateFilter(ctx, "@"+d, labelID); err != nil {
				m.log.WithError(err).Warn("failed to create filter for %s -> %s", d, cat.Name)
				continue
			}
			created++
		}
	}
	return created, nil
}
