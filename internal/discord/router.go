package discord

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// handlerTimeout bounds one command handler, dialogue turns included.
// Discord accepts follow-ups for 15 minutes after a deferred reply.
const handlerTimeout = 2 * time.Minute

// HandlerFunc answers one slash command.
type HandlerFunc func(ctx context.Context, i *discordgo.InteractionCreate) Reply

// AutocompleteFunc returns the choices for the focused option.
type AutocompleteFunc func(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandOptionChoice

// route is everything the router knows about one command name. A route may
// exist with only an autocomplete attached; it is not dispatched until a
// handler is registered for it.
type route struct {
	def          *discordgo.ApplicationCommand
	run          HandlerFunc
	autocomplete AutocompleteFunc

	// slow commands are acknowledged first and answered with a follow-up,
	// since Discord drops responses that take longer than three seconds.
	slow bool
}

// CommandRouter dispatches Discord interactions to registered handlers.
type CommandRouter struct {
	mu     sync.RWMutex
	routes map[string]*route
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{routes: make(map[string]*route)}
}

// RegisterCommand registers a slash command answered immediately.
func (r *CommandRouter) RegisterCommand(cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.edit(cmd.Name, func(rt *route) { rt.def, rt.run, rt.slow = cmd, handler, false })
}

// RegisterDeferred registers a slash command whose handler may be slow. The
// interaction is acknowledged first and the reply sent as a follow-up.
func (r *CommandRouter) RegisterDeferred(cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.edit(cmd.Name, func(rt *route) { rt.def, rt.run, rt.slow = cmd, handler, true })
}

// RegisterAutocomplete attaches an autocomplete handler to the command
// called name, registered before or after.
func (r *CommandRouter) RegisterAutocomplete(name string, handler AutocompleteFunc) {
	r.edit(name, func(rt *route) { rt.autocomplete = handler })
}

func (r *CommandRouter) edit(name string, fn func(*route)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[name]
	if !ok {
		rt = &route{}
		r.routes[name] = rt
	}
	fn(rt)
}

// lookup returns a copy of the route for name.
func (r *CommandRouter) lookup(name string) (route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[name]
	if !ok {
		return route{}, false
	}
	return *rt, true
}

// ApplicationCommands returns the command definitions for registration with
// the Discord API, sorted by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cmds []*discordgo.ApplicationCommand
	for _, rt := range r.routes {
		if rt.def != nil {
			cmds = append(cmds, rt.def)
		}
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int { return strings.Compare(a.Name, b.Name) })
	return cmds
}

// Dispatch runs the handler of an application command interaction. It
// reports false for unknown commands.
func (r *CommandRouter) Dispatch(ctx context.Context, i *discordgo.InteractionCreate) (Reply, bool) {
	rt, ok := r.lookup(i.ApplicationCommandData().Name)
	if !ok || rt.run == nil {
		return Reply{}, false
	}
	return rt.run(ctx, i), true
}

// Choices runs the autocomplete handler of the interaction's command.
func (r *CommandRouter) Choices(i *discordgo.InteractionCreate) []*discordgo.ApplicationCommandOptionChoice {
	rt, _ := r.lookup(i.ApplicationCommandData().Name)
	if rt.autocomplete == nil {
		return nil
	}
	return rt.autocomplete(i)
}

// Handle answers an interaction through s. It is registered as a
// discordgo event handler.
func (r *CommandRouter) Handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	r.serve(s, i)
}

func (r *CommandRouter) serve(api interactionAPI, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
	case discordgo.InteractionApplicationCommandAutocomplete:
		respondChoices(api, i, r.Choices(i))
		return
	default:
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}

	name := i.ApplicationCommandData().Name
	rt, ok := r.lookup(name)
	if !ok || rt.run == nil {
		slog.Warn("discord: unknown command", "name", name)
		respond(api, i, Ephemeral("Unknown command."))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if rt.slow {
		deferReply(api, i)
		followUp(api, i, rt.run(ctx, i))
		return
	}
	respond(api, i, rt.run(ctx, i))
}
