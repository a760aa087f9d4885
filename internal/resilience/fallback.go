package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [FallbackGroup] produced a
// result, either because it failed or because its breaker was open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures every breaker of a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// OnAttempt observes every member that was considered, with nil on
	// success and [ErrCircuitOpen] for a member whose breaker refused.
	OnAttempt func(provider string, err error)
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. The first member is the primary.
//
// Members are added before the group is shared; afterwards it is safe for
// concurrent use.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group holding only primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a member, tried after all earlier ones.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Primary returns the first member.
func (g *FallbackGroup[T]) Primary() T { return g.members[0].value }

// Names lists the members in the order they are tried.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// States reports each member's breaker state by name.
func (g *FallbackGroup[T]) States() map[string]State {
	states := make(map[string]State, len(g.members))
	for _, m := range g.members {
		states[m.name] = m.breaker.State()
	}
	return states
}

// Call runs fn against one member after another until one succeeds.
//
// A done ctx stops the chain before the next member and its error is
// returned as is, as is a context.Canceled coming out of fn: the caller
// left and trying further backends would be wasted. Otherwise the result
// wraps [ErrAllFailed] and every member's error.
func Call[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var out R
		err := m.breaker.Execute(func() error {
			var ferr error
			out, ferr = fn(ctx, m.value)
			return ferr
		})
		if g.cfg.OnAttempt != nil {
			g.cfg.OnAttempt(m.name, err)
		}
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: breaker open, skipping provider", "provider", m.name)
		default:
			slog.Warn("resilience: provider failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
