package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/neveroff/neveroff/internal/config"
	"github.com/neveroff/neveroff/internal/discord"
	"github.com/neveroff/neveroff/internal/gateway"
	"github.com/neveroff/neveroff/internal/keepalive"
	"github.com/neveroff/neveroff/internal/state"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	user, err := discord.ValidateToken(ctx, discord.APIBase, cfg.Token)
	if err != nil {
		sugar.Fatalw("token validation failed", "error", err)
	}
	sugar.Infow("logged in",
		"username", user.Username,
		"discriminator", user.Discriminator,
		"id", user.ID,
		"device", cfg.DeviceType)

	store := state.Open(cfg.PersistStatePath, sugar)
	cfgState := config.NewState(cfg)
	gw := gateway.New(cfgState, store, sugar)

	if cfg.PresenceFile != "" {
		err := config.WatchFile(ctx, cfg.PresenceFile, sugar, func(f *config.File) {
			next := cfgState.Current().WithFile(f)
			cfgState.Apply(next)
			if err := gw.UpdatePresence(next.Presence); err != nil && !errors.Is(err, gateway.ErrNotConnected) {
				sugar.Warnw("presence update failed", "error", err)
			}
		})
		if err != nil {
			sugar.Warnw("presence file watch failed", "path", cfg.PresenceFile, "error", err)
		}
	}

	srv, err := keepalive.New(cfg.Addr(), cfgState, store.Snapshot().InstanceID, gw.Status, sugar)
	if err != nil {
		sugar.Fatalw("keep-alive startup failed", "error", err)
	}
	go func() {
		if err := srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalw("keep-alive server error", "error", err)
		}
	}()
	go gw.Run(ctx)

	sugar.Infow("neveroff running",
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"statePath", cfg.PersistStatePath)

	<-ctx.Done()
	sugar.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("keep-alive shutdown", "error", err)
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
