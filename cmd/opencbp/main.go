package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"

	"github.com/opencbp/opencbp/pkg/bids"
	"github.com/opencbp/opencbp/pkg/log"
	"github.com/opencbp/opencbp/pkg/market"
	"github.com/opencbp/opencbp/pkg/runtime"
	"github.com/opencbp/opencbp/pkg/server"
	"github.com/opencbp/opencbp/pkg/storage"
	"github.com/opencbp/opencbp/pkg/sun"
	"github.com/opencbp/opencbp/pkg/telemetry"
)

func main() {
	// init packages
	mkt := market.Configured()
	sub := bids.Configured()
	bms := telemetry.Configured()
	locator := sun.Configured()
	store := storage.Configured()

	hub := server.NewHub()
	rt := runtime.Configured(bms, mkt, sub, store, locator, hub)
	srv := server.Configured(rt, store, hub)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := store.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// validate and connect the collaborators
	for name, v := range map[string]interface{ Validate() error }{
		"market":    mkt,
		"bids":      sub,
		"telemetry": bms,
		"sun":       locator,
	} {
		if err := v.Validate(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "validation failed", "component", name, "error", err)
			os.Exit(1)
		}
	}
	if err := bms.Init(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to connect to BMS", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := bms.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close BMS", "error", err)
		}
	}()

	// pick up persisted strategy state before bidding resumes
	if err := rt.RestoreState(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to restore state", "error", err)
		os.Exit(1)
	}

	// run the status server and the task runtime until shutdown
	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run(ctx) }()
	go func() { errCh <- rt.Run(ctx) }()

	var failed bool
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			failed = true
			log.Ctx(ctx).ErrorContext(ctx, "task exited with error", "error", err)
			cancel()
		}
	}
	if failed {
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "daemon exited cleanly")
}
