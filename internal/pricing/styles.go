package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
)

// DefaultStyleKey names the mandatory fallback entry of a style table.
const DefaultStyleKey = "default"

const defaultGenerationModel = "fal-ai/flux/dev"

var (
	ErrInvalidStyleTable = errors.New("invalid style table")
	ErrInvalidPlanTable  = errors.New("invalid plan table")
)

// StyleConfig is the configuration shape of one style entry.
type StyleConfig struct {
	Cost  int64  `mapstructure:"cost" yaml:"cost"`
	Model string `mapstructure:"model" yaml:"model"`
}

// StylePrice is a resolved style entry.
type StylePrice struct {
	Style ledger.Style
	Cost  ledger.Credits
	Model string
}

// StyleTable maps styles to credit costs with a mandatory default.
type StyleTable struct {
	defaultPrice StylePrice
	prices       map[string]StylePrice
}

// DefaultStyles is the built-in table used when no configuration overrides it.
func DefaultStyles() map[string]StyleConfig {
	return map[string]StyleConfig{
		DefaultStyleKey:  {Cost: 1, Model: defaultGenerationModel},
		"sketch":         {Cost: 1},
		"watercolor":     {Cost: 2},
		"anime":          {Cost: 2},
		"oil-painting":   {Cost: 3},
		"photorealistic": {Cost: 4, Model: "fal-ai/flux-pro"},
	}
}

// NewStyleTable validates entries. Styles without a model inherit the default model.
func NewStyleTable(entries map[string]StyleConfig) (*StyleTable, error) {
	normalized := make(map[string]StyleConfig, len(entries))
	for rawKey, entry := range entries {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			return nil, fmt.Errorf("%w: empty style key", ErrInvalidStyleTable)
		}
		if _, exists := normalized[key]; exists {
			return nil, fmt.Errorf("%w: duplicate style %q", ErrInvalidStyleTable, key)
		}
		normalized[key] = entry
	}
	defaultEntry, ok := normalized[DefaultStyleKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q entry", ErrInvalidStyleTable, DefaultStyleKey)
	}
	if strings.TrimSpace(defaultEntry.Model) == "" {
		defaultEntry.Model = defaultGenerationModel
	}
	table := &StyleTable{prices: make(map[string]StylePrice, len(normalized))}
	for key, entry := range normalized {
		style, err := ledger.NewStyle(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStyleTable, err)
		}
		cost, err := ledger.NewPositiveCredits(entry.Cost)
		if err != nil {
			return nil, fmt.Errorf("%w: style %q: %v", ErrInvalidStyleTable, key, err)
		}
		model := strings.TrimSpace(entry.Model)
		if model == "" {
			model = defaultEntry.Model
		}
		table.prices[key] = StylePrice{Style: style, Cost: cost, Model: model}
	}
	table.defaultPrice = table.prices[DefaultStyleKey]
	return table, nil
}

// Price resolves a style, falling back to the default entry while keeping the requested style key.
func (table *StyleTable) Price(style ledger.Style) StylePrice {
	if price, ok := table.prices[style.String()]; ok {
		return price
	}
	fallback := table.defaultPrice
	if style.String() != "" {
		fallback.Style = style
	}
	return fallback
}

// Cost returns the credit cost of a style.
func (table *StyleTable) Cost(style ledger.Style) ledger.Credits {
	return table.Price(style).Cost
}

// Known reports whether the style has its own entry.
func (table *StyleTable) Known(style ledger.Style) bool {
	_, ok := table.prices[style.String()]
	return ok
}

// Styles lists configured style keys in order.
func (table *StyleTable) Styles() []string {
	keys := make([]string, 0, len(table.prices))
	for key := range table.prices {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
