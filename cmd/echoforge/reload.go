package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// configReloader is the part of the application SIGHUP talks to.
type configReloader interface {
	ReloadConfig() (bool, error)
}

// reloadOnHangup re-reads the config file each time the process receives
// SIGHUP, until ctx is done.
func reloadOnHangup(ctx context.Context, r configReloader) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		serveReloads(ctx, hup, r)
	}()
}

func serveReloads(ctx context.Context, hup <-chan os.Signal, r configReloader) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			applied, err := r.ReloadConfig()
			switch {
			case err != nil:
				slog.Warn("SIGHUP reload rejected", "err", err)
			case applied:
				slog.Info("SIGHUP reload applied")
			default:
				slog.Info("SIGHUP received, config unchanged")
			}
		}
	}
}
