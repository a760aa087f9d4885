package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/echoforge/internal/app"
	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/internal/discord"
)

// startDiscord connects the Discord bot and serves the slash commands until
// ctx is cancelled. The returned function disconnects the bot.
func startDiscord(ctx context.Context, cfg config.DiscordConfig, a *app.App) (func(), error) {
	router := discord.NewCommandRouter()
	discord.NewCommands(a.Orchestrator(), a.Characters().Player, discord.NewPermissionChecker(cfg.GMRoleID)).Register(router)

	bot, err := discord.New(cfg, router)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot stopped", "err", err)
		}
	}()

	slog.Info("discord bot connected", "guild_id", cfg.GuildID, "gm_role_id", cfg.GMRoleID)
	return func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}, nil
}
