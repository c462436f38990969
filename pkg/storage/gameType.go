package storage

import (
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type GameTypeKind string

const (
	GameTypeKind_RecurringBlock GameTypeKind = "recurring_block"
	GameTypeKind_MilestoneTier  GameTypeKind = "milestone_tier"
	GameTypeKind_GameplayAction GameTypeKind = "gameplay_action"
	GameTypeKind_Generic        GameTypeKind = "generic"
)

var gameTypeLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,64}$`)

// GameType identifies what an award was paid for. Its string form "<kind>:<value>" is half of the
// (tx_hash, game_type) idempotency key, so values are only built through the constructors below.
type GameType struct {
	kind  GameTypeKind
	value string
}

func NewRecurringBlockGameType(block int64) (GameType, error) {
	if block < 1 {
		return GameType{}, fmt.Errorf("recurring block must be at least 1, got %d", block)
	}
	return GameType{kind: GameTypeKind_RecurringBlock, value: strconv.FormatInt(block, 10)}, nil
}

func NewMilestoneTierGameType(tierKey string) (GameType, error) {
	return newLabeledGameType(GameTypeKind_MilestoneTier, tierKey)
}

func NewGameplayActionGameType(action string) (GameType, error) {
	return newLabeledGameType(GameTypeKind_GameplayAction, action)
}

func NewGenericGameType(label string) (GameType, error) {
	return newLabeledGameType(GameTypeKind_Generic, label)
}

func newLabeledGameType(kind GameTypeKind, label string) (GameType, error) {
	if !gameTypeLabelPattern.MatchString(label) {
		return GameType{}, fmt.Errorf("invalid %s label %q", kind, label)
	}
	return GameType{kind: kind, value: label}, nil
}

// ParseGameType parses the "<kind>:<value>" form. Unknown kinds are rejected.
func ParseGameType(s string) (GameType, error) {
	kind, value, found := strings.Cut(s, ":")
	if !found {
		return GameType{}, fmt.Errorf("invalid game type %q", s)
	}
	switch GameTypeKind(kind) {
	case GameTypeKind_RecurringBlock:
		block, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return GameType{}, fmt.Errorf("invalid recurring block %q: %w", value, err)
		}
		return NewRecurringBlockGameType(block)
	case GameTypeKind_MilestoneTier:
		return NewMilestoneTierGameType(value)
	case GameTypeKind_GameplayAction:
		return NewGameplayActionGameType(value)
	case GameTypeKind_Generic:
		return NewGenericGameType(value)
	default:
		return GameType{}, fmt.Errorf("unknown game type kind %q", kind)
	}
}

func (g GameType) Kind() GameTypeKind {
	return g.kind
}

// Label is the part after the kind: block number, tier key, action or generic label.
func (g GameType) Label() string {
	return g.value
}

func (g GameType) IsZero() bool {
	return g.kind == ""
}

func (g GameType) String() string {
	if g.IsZero() {
		return ""
	}
	return string(g.kind) + ":" + g.value
}

func (g GameType) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

func (g *GameType) UnmarshalText(text []byte) error {
	parsed, err := ParseGameType(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

func (g GameType) Value() (driver.Value, error) {
	return g.String(), nil
}

func (g *GameType) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return g.UnmarshalText([]byte(v))
	case []byte:
		return g.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T into game type", src)
	}
}
