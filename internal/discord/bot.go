// Package discord provides the Discord front end of EchoForge. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, and checks game master role permissions.
//
// Players talk to characters with /talk. Each Discord user keeps their own
// thread and player stats per channel, so effects granted by a character
// accumulate for that user until /reset.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/echoforge/internal/config"
)

// commandAPI is the slice of the Discord REST API the bot uses to publish
// and withdraw its slash commands.
type commandAPI interface {
	ApplicationCommandBulkOverwrite(appID, guildID string, cmds []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommandDelete(appID, guildID, cmdID string, options ...discordgo.RequestOption) error
}

var _ commandAPI = (*discordgo.Session)(nil)

// Bot connects a [CommandRouter] to the Discord gateway.
type Bot struct {
	session *discordgo.Session
	router  *CommandRouter
	guildID string

	// ready is closed by the first Ready event; appID is valid afterwards.
	ready     chan struct{}
	readyOnce sync.Once
	appID     string

	mu        sync.Mutex
	published []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New opens a gateway connection with the bot token from cfg. Interactions
// start flowing to router immediately; the commands themselves are only
// published by [Bot.Run].
func New(cfg config.DiscordConfig, router *CommandRouter) (*Bot, error) {
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	// Slash commands need no privileged intents.
	s.Identify.Intents = discordgo.IntentsGuilds

	b := &Bot{
		session: s,
		router:  router,
		guildID: cfg.GuildID,
		ready:   make(chan struct{}),
	}
	s.AddHandler(b.onReady)
	s.AddHandler(router.Handle)

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return b, nil
}

func (b *Bot) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.readyOnce.Do(func() {
		b.appID = r.User.ID
		close(b.ready)
	})
	slog.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

// Router returns the router interactions are dispatched to.
func (b *Bot) Router() *CommandRouter { return b.router }

// Run waits for the gateway handshake, publishes the router's commands and
// then blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	select {
	case <-b.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	published, err := publishCommands(b.session, b.appID, b.guildID, b.router.ApplicationCommands())
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = published
	b.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

// Close withdraws the published commands and leaves the gateway. Only the
// first call does anything.
func (b *Bot) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		published := b.published
		b.published = nil
		b.mu.Unlock()

		withdrawCommands(b.session, b.appID, b.guildID, published)
		if cerr := b.session.Close(); cerr != nil {
			err = fmt.Errorf("discord: close gateway: %w", cerr)
		}
		slog.Info("discord bot closed")
	})
	return err
}

// publishCommands replaces the application's commands in guildID, or its
// global commands when guildID is empty.
func publishCommands(api commandAPI, appID, guildID string, cmds []*discordgo.ApplicationCommand) ([]*discordgo.ApplicationCommand, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	published, err := api.ApplicationCommandBulkOverwrite(appID, guildID, cmds)
	if err != nil {
		return nil, fmt.Errorf("discord: publish %d commands: %w", len(cmds), err)
	}
	slog.Info("discord commands published", "count", len(published), "guild_id", guildID)
	return published, nil
}

// withdrawCommands deletes published commands one by one. Failures are
// logged and do not stop the remaining deletions.
func withdrawCommands(api commandAPI, appID, guildID string, published []*discordgo.ApplicationCommand) {
	for _, cmd := range published {
		if err := api.ApplicationCommandDelete(appID, guildID, cmd.ID); err != nil {
			slog.Warn("discord: withdraw command", "name", cmd.Name, "err", err)
		}
	}
}
