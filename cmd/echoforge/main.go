// Command echoforge serves the EchoForge character dialogue service.
//
// By default it serves the HTTP API, the chat websocket and the MCP endpoint,
// plus the Discord slash commands when a bot token is configured.
// With -chat <character> it instead runs an interactive terminal
// conversation with one character against the same pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/echoforge/internal/app"
	"github.com/MrWong99/echoforge/internal/config"
	"github.com/MrWong99/echoforge/internal/observe"
	"github.com/MrWong99/echoforge/internal/orchestrator"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	chatWith := flag.String("chat", "", "chat with the named character on the terminal instead of serving HTTP")
	watch := flag.Bool("watch", true, "reload characters, player and pipeline settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echoforge: config file %q not found, copy configs/echoforge.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echoforge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("echoforge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echoforge",
		ServiceVersion: version,
		SampleRatio:    *cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLevelVar(&level), app.WithVersion(version)}
	if *watch && *chatWith == "" {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if *chatWith != "" {
		if err := chat(ctx, application, *chatWith, os.Stdin, os.Stdout); err != nil {
			slog.Error("chat error", "err", err)
			return 1
		}
		return 0
	}

	if cfg.Discord.Token != "" {
		closeBot, err := startDiscord(ctx, cfg.Discord, application)
		if err != nil {
			slog.Error("failed to start discord bot", "err", err)
			return 1
		}
		defer closeBot()
	}

	if *watch {
		reloadOnHangup(ctx, application)
	}

	writeStartupSummary(os.Stdout, cfg, application.Orchestrator().Status())
	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

const summaryWidth = 19

func writeStartupSummary(w io.Writer, cfg *config.Config, st orchestrator.Status) {
	tier, store := "full", "connected"
	if !st.StoreAvailable {
		tier, store = "simplified", "unavailable"
	}
	discord := "disabled"
	if cfg.Discord.Token != "" {
		discord = "enabled"
	}
	rows := [][2]string{
		{"LLM", providerLabel(cfg.Providers.LLM)},
		{"LLM fallbacks", strconv.Itoa(len(cfg.Providers.LLMFallbacks))},
		{"Embeddings", providerLabel(cfg.Providers.Embeddings)},
		{"Store", store},
		{"Primary tier", tier},
		{"Persistence", strconv.FormatBool(st.SessionSupport)},
		{"Checkpoints", strconv.FormatBool(st.CheckpointingEnabled)},
		{"Characters", strconv.Itoa(len(cfg.Characters))},
		{"Listen addr", cfg.Server.ListenAddr},
		{"Discord", discord},
	}

	rule := strings.Repeat("═", 16+summaryWidth+4)
	fmt.Fprintf(w, "╔%s╗\n║ %-*s ║\n╠%s╣\n", rule, 16+summaryWidth+2, "EchoForge "+version, rule)
	for _, r := range rows {
		fmt.Fprintf(w, "║  %-13s : %-*s  ║\n", r[0], summaryWidth, clip(r[1], summaryWidth))
	}
	fmt.Fprintf(w, "╚%s╝\n", rule)
}

func providerLabel(p config.ProviderEntry) string {
	switch {
	case p.Name == "":
		return "(not configured)"
	case p.Model == "":
		return p.Name
	}
	return p.Name + " / " + p.Model
}

// clip shortens s to n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
