package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/echoforge/internal/resilience"
)

// Pinger is implemented by the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreCheck pings the conversation store. A nil store is reported as
// unavailable, which is how a process that failed its startup ping runs.
func StoreCheck(p Pinger) Checker {
	return Checker{
		Name:     "store",
		Optional: true,
		Check: func(ctx context.Context) error {
			if p == nil {
				return errors.New("unavailable, serving simplified tier")
			}
			return p.Ping(ctx)
		},
	}
}

// BreakerCheck fails when every backend behind a fallback group has an open
// circuit breaker.
func BreakerCheck(name string, states func() map[string]resilience.State, optional bool) Checker {
	return Checker{
		Name:     name,
		Optional: optional,
		Check: func(context.Context) error {
			s := states()
			var open []string
			for backend, st := range s {
				if st == resilience.StateOpen {
					open = append(open, backend)
				}
			}
			if len(s) > 0 && len(open) == len(s) {
				slices.Sort(open)
				return fmt.Errorf("all circuits open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}
