package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// TierEntitlement says which anchoring modes a tier may use.
type TierEntitlement struct {
	Name      string `yaml:"name" json:"name"`
	Immediate bool   `yaml:"immediate" json:"immediate"`
	Batch     bool   `yaml:"batch" json:"batch"`

	// Rule is an optional CEL expression over `event` and `mode` that must
	// evaluate to true for the event to be admitted.
	Rule string `yaml:"rule,omitempty" json:"rule,omitempty"`

	// PayloadSchema is an optional JSON Schema (draft 2020-12) the event payload must satisfy.
	PayloadSchema string `yaml:"payload_schema,omitempty" json:"payload_schema,omitempty"`
}

// Allows reports whether the tier is entitled to mode.
func (t TierEntitlement) Allows(mode contracts.AnchoringMode) bool {
	switch mode {
	case contracts.ModeImmediate:
		return t.Immediate
	case contracts.ModeBatch:
		return t.Batch
	default:
		return false
	}
}

// TierTable is the read-only tier lookup consumed by the router.
type TierTable struct {
	Tiers []TierEntitlement `yaml:"tiers" json:"tiers"`
}

// Lookup finds a tier by case-insensitive name.
func (t *TierTable) Lookup(name string) (TierEntitlement, bool) {
	for _, tier := range t.Tiers {
		if strings.EqualFold(tier.Name, name) {
			return tier, true
		}
	}
	return TierEntitlement{}, false
}

// DefaultTiers returns the stock table: every tier may use both modes.
func DefaultTiers() *TierTable {
	return &TierTable{Tiers: []TierEntitlement{
		{Name: contracts.TierStandard, Immediate: true, Batch: true},
		{Name: contracts.TierPremium, Immediate: true, Batch: true},
		{Name: contracts.TierEnterprise, Immediate: true, Batch: true},
	}}
}

// ParseTiers decodes a YAML tier table.
func ParseTiers(data []byte) (*TierTable, error) {
	var table TierTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse tiers: %w", err)
	}
	seen := make(map[string]bool, len(table.Tiers))
	for i, tier := range table.Tiers {
		if tier.Name == "" {
			return nil, fmt.Errorf("parse tiers: entry %d has no name", i)
		}
		key := strings.ToLower(tier.Name)
		if seen[key] {
			return nil, fmt.Errorf("parse tiers: duplicate tier %q", tier.Name)
		}
		seen[key] = true
	}
	return &table, nil
}

// LoadTiers reads the tier table from path, or returns DefaultTiers when path is empty.
func LoadTiers(path string) (*TierTable, error) {
	if path == "" {
		return DefaultTiers(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, fmt.Errorf("load tiers %q: %w", path, err)
	}
	return ParseTiers(data)
}
