package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"mailworker/pkg/apperr"
)

// ScoringWeights are the numeric constants applied uniformly across
// categories during rule scoring.
type ScoringWeights struct {
	DomainHighConfidence   float64 `json:"domain_high_confidence"`
	DomainMediumConfidence float64 `json:"domain_medium_confidence"`
	SubjectHigh            float64 `json:"subject_high"`
	SubjectMedium          float64 `json:"subject_medium"`
	ContentHigh            float64 `json:"content_high"`
	ContentMedium          float64 `json:"content_medium"`
	ExclusionPenalty       float64 `json:"exclusion_penalty"`
	NegativeKeywordPenalty float64 `json:"negative_keyword_penalty"`
	PriorityBonus          float64 `json:"priority_bonus"`
}

// DefaultScoringWeights returns the stock weight set.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		DomainHighConfidence:   1.2,
		DomainMediumConfidence: 0.8,
		SubjectHigh:            1.0,
		SubjectMedium:          0.6,
		ContentHigh:            0.7,
		ContentMedium:          0.4,
		ExclusionPenalty:       -2.0,
		NegativeKeywordPenalty: -1.5,
		PriorityBonus:          0.15,
	}
}

// GlobalSettings tune classification behavior across all categories.
type GlobalSettings struct {
	ConfidenceThreshold   float64 `json:"confidence_threshold"`
	EnableContentAnalysis bool    `json:"enable_content_analysis"`
	CaseSensitive         bool    `json:"case_sensitive"`
	MaxCategoriesPerEmail int     `json:"max_categories_per_email"`
	Language              string  `json:"language"`
}

// DefaultGlobalSettings returns the stock settings.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		ConfidenceThreshold:   2.5,
		EnableContentAnalysis: true,
		CaseSensitive:         false,
		MaxCategoriesPerEmail: 1,
		Language:              "en",
	}
}

// DomainLists splits sender-domain patterns by confidence tier.
type DomainLists struct {
	HighConfidence   []string `json:"high_confidence"`
	MediumConfidence []string `json:"medium_confidence"`
}

// KeywordLists holds substring patterns per location and tier.
type KeywordLists struct {
	SubjectHigh   []string `json:"subject_high"`
	SubjectMedium []string `json:"subject_medium"`
	ContentHigh   []string `json:"content_high"`
	ContentMedium []string `json:"content_medium"`
}

// Category describes one classification bucket. Read-only after load.
type Category struct {
	Name             string       `json:"-"`
	Priority         int          `json:"priority"`
	Domains          DomainLists  `json:"domains"`
	Keywords         KeywordLists `json:"keywords"`
	Exclusions       []string     `json:"exclusions"`
	NegativeKeywords []string     `json:"negative_keywords"`
}

// Categories is the immutable category configuration for one run. Iteration
// uses Ordered(), which preserves file declaration order; the rule scorer's
// first-max-wins tie-break depends on that order being stable.
type Categories struct {
	byName  map[string]*Category
	order   []string
	Weights ScoringWeights
	Global  GlobalSettings
}

// NewCategories builds a configuration programmatically. Declaration order
// follows the slice order. The result is validated like a loaded file.
func NewCategories(cats []*Category, weights ScoringWeights, global GlobalSettings) (*Categories, error) {
	c := &Categories{
		byName:  make(map[string]*Category, len(cats)),
		Weights: weights,
		Global:  global,
	}
	for _, cat := range cats {
		if _, exists := c.byName[cat.Name]; !exists {
			c.order = append(c.order, cat.Name)
		}
		c.byName[cat.Name] = cat
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type categoriesFile struct {
	Categories     map[string]*Category `json:"categories"`
	ScoringWeights *ScoringWeights      `json:"scoring_weights"`
	GlobalSettings *GlobalSettings      `json:"global_settings"`
}

// LoadCategories reads the base category file and, when customPath is not
// empty, merges the custom file over it. Custom categories replace base
// categories of the same name and append after them otherwise.
func LoadCategories(basePath, customPath string) (*Categories, error) {
	cats := &Categories{
		byName:  make(map[string]*Category),
		Weights: DefaultScoringWeights(),
		Global:  DefaultGlobalSettings(),
	}

	if err := cats.mergeFile(basePath); err != nil {
		return nil, err
	}
	if customPath != "" {
		if err := cats.mergeFile(customPath); err != nil {
			return nil, err
		}
	}

	if err := cats.Validate(); err != nil {
		return nil, err
	}
	return cats, nil
}

func (c *Categories) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return apperr.ConfigError(fmt.Sprintf("cannot read category config %s", path)).WithError(err)
	}

	var file categoriesFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return apperr.ConfigError(fmt.Sprintf("invalid category config %s", path)).WithError(err)
	}

	order, err := categoryKeyOrder(raw)
	if err != nil {
		return apperr.ConfigError(fmt.Sprintf("invalid category config %s", path)).WithError(err)
	}

	for _, name := range order {
		cat := file.Categories[name]
		if cat == nil {
			continue
		}
		cat.Name = name
		if _, exists := c.byName[name]; !exists {
			c.order = append(c.order, name)
		}
		c.byName[name] = cat
	}

	if file.ScoringWeights != nil {
		c.Weights = *file.ScoringWeights
	}
	if file.GlobalSettings != nil {
		c.Global = *file.GlobalSettings
	}
	return nil
}

// categoryKeyOrder extracts the declaration order of keys inside the
// top-level "categories" object. encoding/json map decoding discards order,
// so it is recovered from the token stream.
func categoryKeyOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))

	// Seek the "categories" key at depth 1.
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("top-level value is not an object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "categories" {
			if err := skipValue(dec); err != nil {
				return nil, err
			}
			continue
		}

		open, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := open.(json.Delim); !ok || d != '{' {
			return nil, fmt.Errorf("categories is not an object")
		}

		var order []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := nameTok.(string)
			order = append(order, name)
			if err := skipValue(dec); err != nil {
				return nil, err
			}
		}
		return order, nil
	}
	return nil, nil
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		if d, ok = tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}

// Validate checks category priorities and global settings. Invalid
// configuration is fatal before any classification begins.
func (c *Categories) Validate() error {
	if len(c.order) == 0 {
		return apperr.ConfigError("no categories configured")
	}
	for _, name := range c.order {
		cat := c.byName[name]
		if cat.Priority < 1 || cat.Priority > 10 {
			return apperr.ConfigError(fmt.Sprintf("category %q: priority %d out of range [1,10]", name, cat.Priority))
		}
	}
	if c.Global.ConfidenceThreshold <= 0 {
		return apperr.ConfigError("confidence_threshold must be positive")
	}
	if c.Global.MaxCategoriesPerEmail < 1 {
		return apperr.ConfigError("max_categories_per_email must be at least 1")
	}
	return nil
}

// Ordered returns the categories in declaration order.
func (c *Categories) Ordered() []*Category {
	out := make([]*Category, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.byName[name])
	}
	return out
}

// Get looks up a category by name.
func (c *Categories) Get(name string) (*Category, bool) {
	cat, ok := c.byName[name]
	return cat, ok
}

// Names returns category names in declaration order.
func (c *Categories) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
