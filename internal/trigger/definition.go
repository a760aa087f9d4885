// Package trigger detects game-affecting intents in dialogue.
//
// Input triggers are detected in the player's message by an [Analyser]; a
// trigger is accepted only when its probability reaches the declared
// threshold and every declared condition holds for the current player and
// character attributes. Output triggers are detected the same way in the
// character's reply and carry an effect that [Effects] applies to a copy of
// the player's stats.
package trigger

import (
	"slices"
	"strings"

	"github.com/MrWong99/echoforge/internal/config"
)

// Direction tells an analyser whether it is looking at the player's message
// or at the character's reply.
type Direction string

const (
	Input  Direction = "input"
	Output Direction = "output"
)

// Definition is one declared trigger.
type Definition struct {
	Name        string
	Description string
	Threshold   float64
	Keywords    []string
	Conditions  []string
	Effect      *config.EffectConfig
}

// Definitions converts a configured trigger set into definitions sorted by
// name.
func Definitions(set map[string]config.TriggerConfig) []Definition {
	defs := make([]Definition, 0, len(set))
	for name, tc := range set {
		defs = append(defs, Definition{
			Name:        name,
			Description: tc.Description,
			Threshold:   tc.Threshold,
			Keywords:    tc.Keywords,
			Conditions:  tc.Conditions,
			Effect:      tc.Effect,
		})
	}
	slices.SortFunc(defs, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// Request is the input of one analysis.
type Request struct {
	Direction   Direction
	Character   string
	Text        string
	Definitions []Definition

	// Attributes are the flattened player and character attributes used by
	// conditions. Read-only.
	Attributes map[string]any
}

// Rejection records a trigger whose probability reached its threshold but
// which was refused.
type Rejection struct {
	Trigger string `json:"trigger"`
	Reason  string `json:"reason_refused"`
}

// Result is the outcome of one analysis.
type Result struct {
	Probabilities map[string]float64 `json:"probabilities"`
	Accepted      []string           `json:"accepted"`
	Rejected      []Rejection        `json:"rejected"`

	// Values holds optional per-trigger values, e.g. an amount of gold
	// mentioned in the reply.
	Values map[string]any `json:"values,omitempty"`

	// Method names the analyser that produced the result.
	Method string `json:"method"`
}

// Activation is an accepted trigger together with its declaration.
type Activation struct {
	Name        string               `json:"name"`
	Probability float64              `json:"probability"`
	Value       any                  `json:"value,omitempty"`
	Effect      *config.EffectConfig `json:"effect,omitempty"`
}

// Activations resolves the accepted names of r against defs.
func (r Result) Activations(defs []Definition) []Activation {
	out := make([]Activation, 0, len(r.Accepted))
	for _, name := range r.Accepted {
		i := slices.IndexFunc(defs, func(d Definition) bool { return d.Name == name })
		if i < 0 {
			continue
		}
		out = append(out, Activation{
			Name:        name,
			Probability: r.Probabilities[name],
			Value:       r.Values[name],
			Effect:      defs[i].Effect,
		})
	}
	return out
}

// Zero returns the result used when analysis failed: every declared trigger
// at probability zero and nothing accepted.
func Zero(defs []Definition, method string) Result {
	probs := make(map[string]float64, len(defs))
	for _, d := range defs {
		probs[d.Name] = 0
	}
	return Result{Probabilities: probs, Accepted: []string{}, Rejected: []Rejection{}, Method: method}
}

// Decide applies thresholds and conditions to raw probabilities. A trigger is
// accepted iff its probability is at least its threshold and all of its
// conditions hold. Triggers that reach the threshold but fail a condition are
// rejected with the failing condition as reason.
func Decide(defs []Definition, probs map[string]float64, attrs map[string]any) Result {
	res := Result{
		Probabilities: make(map[string]float64, len(defs)),
		Accepted:      []string{},
		Rejected:      []Rejection{},
	}
	for _, d := range defs {
		p := min(max(probs[d.Name], 0), 1)
		res.Probabilities[d.Name] = p
		if p < d.Threshold {
			continue
		}
		if ok, reason := conditionsHold(d.Conditions, attrs); !ok {
			res.Rejected = append(res.Rejected, Rejection{Trigger: d.Name, Reason: reason})
			continue
		}
		res.Accepted = append(res.Accepted, d.Name)
	}
	return res
}

func conditionsHold(conds []string, attrs map[string]any) (bool, string) {
	for _, c := range conds {
		ok, err := Evaluate(c, attrs)
		if err != nil {
			return false, "condition " + c + " could not be evaluated: " + err.Error()
		}
		if !ok {
			return false, "condition not met: " + c
		}
	}
	return true, ""
}
