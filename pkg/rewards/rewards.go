// Package rewards holds the pure XP math: holder multipliers, volume threshold crossings and levels.
package rewards

import (
	"errors"
	"fmt"
	"math"

	"github.com/Layr-Labs/xp-ledger/internal/config"
	"github.com/shopspring/decimal"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
)

const (
	DefaultRecurringUnitXp = 5000
	DefaultMultiplierCap   = 10
)

const levelEpsilon = 1e-9

var (
	DefaultRecurringUnitUsd = decimal.NewFromInt(100)
	DefaultMaxSwapUsd       = decimal.NewFromInt(100_000)

	// ErrVolumeOutOfRange means a volume's block count does not fit in an int64.
	ErrVolumeOutOfRange = errors.New("volume out of range")

	maxBlocks = decimal.NewFromInt(math.MaxInt64)
)

type RewardsCalculatorConfig struct {
	// RecurringUnitUsd is the volume block size; every completed block pays RecurringUnitXp.
	RecurringUnitUsd decimal.Decimal
	RecurringUnitXp  int64
	MultiplierCap    uint64
	Milestones       []MilestoneTier
	// MaxSwapUsd is the largest amount a single swap may add to a wallet's volume.
	MaxSwapUsd decimal.Decimal
}

func DefaultRewardsCalculatorConfig() *RewardsCalculatorConfig {
	return &RewardsCalculatorConfig{
		RecurringUnitUsd: DefaultRecurringUnitUsd,
		RecurringUnitXp:  DefaultRecurringUnitXp,
		MultiplierCap:    DefaultMultiplierCap,
		Milestones:       DefaultMilestoneTiers(),
		MaxSwapUsd:       DefaultMaxSwapUsd,
	}
}

// ConvertGlobalConfigToRewardsCalculatorConfig applies configured overrides on top of the defaults.
func ConvertGlobalConfigToRewardsCalculatorConfig(cfg *config.RewardsConfig) (*RewardsCalculatorConfig, error) {
	c := DefaultRewardsCalculatorConfig()
	if cfg.RecurringUnitUsd != "" {
		unit, err := decimal.NewFromString(cfg.RecurringUnitUsd)
		if err != nil {
			return nil, fmt.Errorf("invalid recurring unit usd %q: %w", cfg.RecurringUnitUsd, err)
		}
		c.RecurringUnitUsd = unit
	}
	if cfg.RecurringUnitXp > 0 {
		c.RecurringUnitXp = cfg.RecurringUnitXp
	}
	if cfg.MultiplierCap > 0 {
		c.MultiplierCap = cfg.MultiplierCap
	}
	if cfg.MaxSwapUsd != "" {
		maxSwap, err := decimal.NewFromString(cfg.MaxSwapUsd)
		if err != nil {
			return nil, fmt.Errorf("invalid max swap usd %q: %w", cfg.MaxSwapUsd, err)
		}
		c.MaxSwapUsd = maxSwap
	}
	tiers, err := LoadMilestoneTiers(cfg.MilestonesFile)
	if err != nil {
		return nil, err
	}
	c.Milestones = tiers
	return c, nil
}

type RewardsCalculator struct {
	config *RewardsCalculatorConfig
	tiers  *orderedmap.OrderedMap[string, MilestoneTier]
	logger *zap.Logger
}

// Crossings lists what a volume increase unlocked.
type Crossings struct {
	// RecurringBlocks are the 1-based block numbers newly completed, ascending.
	RecurringBlocks []int64
	// Milestones newly reached, in threshold order.
	Milestones []MilestoneTier
}

func NewRewardsCalculator(cfg *RewardsCalculatorConfig, l *zap.Logger) (*RewardsCalculator, error) {
	if !cfg.RecurringUnitUsd.IsPositive() {
		return nil, errors.New("recurring unit usd must be positive")
	}
	if cfg.RecurringUnitXp <= 0 {
		return nil, errors.New("recurring unit xp must be positive")
	}
	if !cfg.MaxSwapUsd.IsPositive() {
		return nil, errors.New("max swap usd must be positive")
	}
	tiers, err := buildTierRegistry(cfg.Milestones)
	if err != nil {
		return nil, err
	}
	l.Sugar().Debugw("Built rewards calculator",
		zap.String("recurringUnitUsd", cfg.RecurringUnitUsd.String()),
		zap.Int64("recurringUnitXp", cfg.RecurringUnitXp),
		zap.String("maxSwapUsd", cfg.MaxSwapUsd.String()),
		zap.Int("milestones", tiers.Len()),
	)
	return &RewardsCalculator{
		config: cfg,
		tiers:  tiers,
		logger: l,
	}, nil
}

// Multiplier is min(nftCount, cap) + 1 for holders and 1 otherwise.
func (rc *RewardsCalculator) Multiplier(nftCount uint64) int64 {
	if nftCount == 0 {
		return 1
	}
	capped := nftCount
	if rc.config.MultiplierCap > 0 && capped > rc.config.MultiplierCap {
		capped = rc.config.MultiplierCap
	}
	return int64(capped) + 1
}

// ApplyMultiplier returns round(baseXp * multiplier) and the multiplier used.
func (rc *RewardsCalculator) ApplyMultiplier(baseXp decimal.Decimal, nftCount uint64) (int64, int64) {
	multiplier := rc.Multiplier(nftCount)
	final := baseXp.Mul(decimal.NewFromInt(multiplier)).Round(0)
	return final.IntPart(), multiplier
}

// BlocksForVolume is floor(volume / unit). Volumes whose block count overflows an int64 return
// ErrVolumeOutOfRange.
func (rc *RewardsCalculator) BlocksForVolume(volume decimal.Decimal) (int64, error) {
	if !volume.IsPositive() {
		return 0, nil
	}
	q, _ := volume.QuoRem(rc.config.RecurringUnitUsd, 0)
	if q.GreaterThan(maxBlocks) {
		return 0, fmt.Errorf("%w: %s", ErrVolumeOutOfRange, volume.String())
	}
	return q.IntPart(), nil
}

func (rc *RewardsCalculator) RecurringUnitXp() int64 {
	return rc.config.RecurringUnitXp
}

func (rc *RewardsCalculator) MaxSwapUsd() decimal.Decimal {
	return rc.config.MaxSwapUsd
}

// CrossedThresholds lists the recurring blocks and milestones reached strictly after prevVolume
// and at or before newVolume.
func (rc *RewardsCalculator) CrossedThresholds(prevVolume decimal.Decimal, newVolume decimal.Decimal) (*Crossings, error) {
	crossings := &Crossings{
		RecurringBlocks: []int64{},
		Milestones:      []MilestoneTier{},
	}
	if !newVolume.GreaterThan(prevVolume) {
		return crossings, nil
	}

	prevBlocks, err := rc.BlocksForVolume(prevVolume)
	if err != nil {
		return nil, err
	}
	newBlocks, err := rc.BlocksForVolume(newVolume)
	if err != nil {
		return nil, err
	}
	for b := prevBlocks + 1; b <= newBlocks; b++ {
		crossings.RecurringBlocks = append(crossings.RecurringBlocks, b)
	}

	for pair := rc.tiers.Oldest(); pair != nil; pair = pair.Next() {
		threshold := pair.Value.ThresholdUsd
		if threshold.GreaterThan(prevVolume) && threshold.LessThanOrEqual(newVolume) {
			crossings.Milestones = append(crossings.Milestones, pair.Value)
		}
	}
	return crossings, nil
}

// LevelForXp maps total XP to a level in [1, 100]. Below 1000 XP a level is 100 XP wide;
// above it levels grow logarithmically.
func LevelForXp(xp int64) int {
	if xp < 1000 {
		return clamp(int(xp/100)+1, 1, 10)
	}
	// math.Log10 is not exact at powers of ten; nudge before flooring.
	level := 10 + int(math.Floor(math.Log10(float64(xp)/1000)*10+levelEpsilon))
	return clamp(level, 10, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
