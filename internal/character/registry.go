package character

import (
	"slices"
	"sync"

	"github.com/MrWong99/echoforge/internal/config"
)

// Registry serves profile snapshots built from configuration. Lookups are
// case-insensitive. It is safe for concurrent use; [Registry.Reload] swaps the
// whole content atomically.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	names    []string
	player   Player
}

// NewRegistry returns a registry populated from cfg. A nil cfg yields an
// empty registry with a default player.
func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{}
	r.Reload(cfg)
	return r
}

// Reload replaces every profile and the default player with those in cfg.
func (r *Registry) Reload(cfg *config.Config) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	profiles := make(map[string]Profile, len(cfg.Characters))
	names := make([]string, 0, len(cfg.Characters))
	for _, c := range cfg.Characters {
		profiles[key(c.Name)] = ProfileFromConfig(c)
		names = append(names, c.Name)
	}
	slices.Sort(names)
	player := PlayerFromConfig(cfg.Player)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = profiles
	r.names = names
	r.player = player
}

// Profile returns a copy of the named character's profile.
func (r *Registry) Profile(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[key(name)]
	if !ok {
		return Profile{}, false
	}
	return p.Clone(), true
}

// Names returns the configured character names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.names)
}

// Player returns a copy of the default player.
func (r *Registry) Player() Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.player.Clone()
}
