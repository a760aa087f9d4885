package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/echoforge/internal/character"
	"github.com/MrWong99/echoforge/internal/config"
)

// DefaultRepairFlag is the flag set by unlock_repair when none is declared.
const DefaultRepairFlag = "montgolfiere_repaired"

// ErrInsufficient is returned by a handler when the player cannot pay for an
// effect.
var ErrInsufficient = errors.New("trigger: insufficient resources")

// EffectHandler applies one effect to stats in place. value is the optional
// per-trigger value reported by the analyser.
type EffectHandler func(stats *character.Stats, effect config.EffectConfig, value any) error

// Applied records one effect that changed the player's stats.
type Applied struct {
	Trigger string            `json:"trigger"`
	Type    config.EffectType `json:"type"`
	Item    string            `json:"item,omitempty"`
	Flag    string            `json:"flag,omitempty"`
	Amount  int               `json:"amount,omitempty"`
}

// String renders the effect for players, e.g. "grant_item +3 cookies".
func (a Applied) String() string {
	switch {
	case a.Item != "":
		return fmt.Sprintf("%s %+d %s", a.Type, a.Amount, a.Item)
	case a.Flag != "":
		return fmt.Sprintf("%s %s", a.Type, a.Flag)
	default:
		return fmt.Sprintf("%s %+d", a.Type, a.Amount)
	}
}

// Effects maps effect types to handlers. It is safe for concurrent use.
type Effects struct {
	mu       sync.RWMutex
	handlers map[config.EffectType]EffectHandler
}

// NewEffects returns a registry with the built-in handlers for grant_currency,
// grant_item, unlock_repair and set_flag.
func NewEffects() *Effects {
	e := &Effects{handlers: make(map[config.EffectType]EffectHandler)}
	e.Register(config.EffectGrantCurrency, GrantCurrency)
	e.Register(config.EffectGrantItem, GrantItem)
	e.Register(config.EffectUnlockRepair, UnlockRepair)
	e.Register(config.EffectSetFlag, SetFlag)
	return e
}

// Register installs or replaces the handler for t.
func (e *Effects) Register(t config.EffectType, h EffectHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// Apply runs the effects of acts against a copy of stats and returns the copy
// together with the effects that succeeded. The input is never modified. A
// failing effect is skipped and leaves no partial change behind.
func (e *Effects) Apply(stats character.Stats, acts []Activation) (character.Stats, []Applied) {
	out := stats.Clone()
	applied := []Applied{}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, a := range acts {
		if a.Effect == nil {
			continue
		}
		h, ok := e.handlers[a.Effect.Type]
		if !ok {
			slog.Warn("trigger: no handler for effect", "trigger", a.Name, "type", a.Effect.Type)
			continue
		}
		next := out.Clone()
		if err := h(&next, *a.Effect, a.Value); err != nil {
			slog.Warn("trigger: effect not applied", "trigger", a.Name, "type", a.Effect.Type, "err", err)
			continue
		}
		out = next
		applied = append(applied, Applied{
			Trigger: a.Name,
			Type:    a.Effect.Type,
			Item:    a.Effect.Item,
			Flag:    flagName(*a.Effect),
			Amount:  amount(*a.Effect, a.Value),
		})
	}
	return out, applied
}

// GrantCurrency adds the amount to the player's gold. A numeric value
// reported by the analyser overrides the declared amount.
func GrantCurrency(stats *character.Stats, effect config.EffectConfig, value any) error {
	n := amount(effect, value)
	if stats.Gold+n < 0 {
		return fmt.Errorf("%w: gold %d, change %d", ErrInsufficient, stats.Gold, n)
	}
	stats.Gold += n
	return nil
}

// GrantItem adds the amount of effect.Item to the inventory.
func GrantItem(stats *character.Stats, effect config.EffectConfig, value any) error {
	if effect.Item == "" {
		return errors.New("trigger: grant_item without item")
	}
	n := amount(effect, value)
	have := stats.Items[effect.Item]
	if have+n < 0 {
		return fmt.Errorf("%w: %s %d, change %d", ErrInsufficient, effect.Item, have, n)
	}
	stats.Items[effect.Item] = have + n
	return nil
}

// UnlockRepair sets the repair flag. When effect.Item is set the repair costs
// amount of that item.
func UnlockRepair(stats *character.Stats, effect config.EffectConfig, _ any) error {
	if effect.Item != "" {
		cost := max(effect.Amount, 1)
		if stats.Items[effect.Item] < cost {
			return fmt.Errorf("%w: repair needs %d %s", ErrInsufficient, cost, effect.Item)
		}
		stats.Items[effect.Item] -= cost
	}
	stats.Flags[flagName(effect)] = true
	return nil
}

// SetFlag sets effect.Flag to effect.Value.
func SetFlag(stats *character.Stats, effect config.EffectConfig, _ any) error {
	if effect.Flag == "" {
		return errors.New("trigger: set_flag without flag")
	}
	stats.Flags[effect.Flag] = effect.Value
	return nil
}

func flagName(effect config.EffectConfig) string {
	switch {
	case effect.Flag != "":
		return effect.Flag
	case effect.Type == config.EffectUnlockRepair:
		return DefaultRepairFlag
	}
	return ""
}

func amount(effect config.EffectConfig, value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	if effect.Amount == 0 {
		return 1
	}
	return effect.Amount
}
