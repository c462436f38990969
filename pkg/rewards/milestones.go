package rewards

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// MilestoneTier is a one-time bonus paid the first time a wallet's cumulative volume reaches ThresholdUsd.
type MilestoneTier struct {
	Key          string
	ThresholdUsd decimal.Decimal
	Xp           int64
}

// DefaultMilestoneTiers returns the built in tier ladder.
func DefaultMilestoneTiers() []MilestoneTier {
	return []MilestoneTier{
		{Key: "1k", ThresholdUsd: decimal.NewFromInt(1_000), Xp: 50_000},
		{Key: "10k", ThresholdUsd: decimal.NewFromInt(10_000), Xp: 500_000},
		{Key: "100k", ThresholdUsd: decimal.NewFromInt(100_000), Xp: 5_000_000},
		{Key: "1m", ThresholdUsd: decimal.NewFromInt(1_000_000), Xp: 50_000_000},
	}
}

type milestoneTierFile struct {
	Milestones []struct {
		Key          string `yaml:"key"`
		ThresholdUsd string `yaml:"threshold_usd"`
		Xp           int64  `yaml:"xp"`
	} `yaml:"milestones"`
}

// ParseMilestoneTiers reads a tier ladder from YAML:
//
//	milestones:
//	  - key: 1k
//	    threshold_usd: "1000"
//	    xp: 50000
func ParseMilestoneTiers(data []byte) ([]MilestoneTier, error) {
	var f milestoneTierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse milestone tiers: %w", err)
	}
	tiers := make([]MilestoneTier, 0, len(f.Milestones))
	for _, m := range f.Milestones {
		threshold, err := decimal.NewFromString(m.ThresholdUsd)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold for tier %s: %w", m.Key, err)
		}
		tiers = append(tiers, MilestoneTier{Key: m.Key, ThresholdUsd: threshold, Xp: m.Xp})
	}
	return tiers, nil
}

// LoadMilestoneTiers reads the tier file at path. An empty path returns the defaults.
func LoadMilestoneTiers(path string) ([]MilestoneTier, error) {
	if path == "" {
		return DefaultMilestoneTiers(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read milestone tiers file: %w", err)
	}
	return ParseMilestoneTiers(data)
}

// buildTierRegistry validates the tiers and indexes them by key in threshold order.
// Tiers must be listed in strictly increasing threshold order.
func buildTierRegistry(tiers []MilestoneTier) (*orderedmap.OrderedMap[string, MilestoneTier], error) {
	om := orderedmap.New[string, MilestoneTier]()

	for _, tier := range tiers {
		if tier.Key == "" {
			return nil, errors.New("milestone tier key must not be empty")
		}
		if !tier.ThresholdUsd.IsPositive() {
			return nil, fmt.Errorf("milestone tier %s must have a positive threshold", tier.Key)
		}
		if tier.Xp <= 0 {
			return nil, fmt.Errorf("milestone tier %s must award positive xp", tier.Key)
		}
		if _, found := om.Get(tier.Key); found {
			return nil, fmt.Errorf("duplicate milestone tier %s", tier.Key)
		}
		om.Set(tier.Key, tier)

		prev := om.GetPair(tier.Key).Prev()
		if prev != nil && !prev.Value.ThresholdUsd.LessThan(tier.ThresholdUsd) {
			return nil, fmt.Errorf("milestone tier %s is not in increasing threshold order", tier.Key)
		}
	}
	return om, nil
}
