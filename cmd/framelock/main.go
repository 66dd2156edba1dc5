// Command framelock plays a video file in lockstep with a transport
// clock, serving playback health over HTTP. Without an external clock
// implementation wired in, a built-in free-running clock drives the
// playhead so the daemon can run standalone.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framelock/internal/api"
	"github.com/zsiec/framelock/internal/conf"
	"github.com/zsiec/framelock/internal/player"
	"github.com/zsiec/framelock/internal/transport"
)

var version = "dev"

func main() {
	cfg, confPath, err := conf.Load(os.Getenv("FRAMELOCK_CONF"))
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := logLevel(cfg.LogLevel)
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	videoPath := envOr("FRAMELOCK_VIDEO", cfg.VideoPath)
	apiAddr := envOr("FRAMELOCK_API_ADDR", cfg.APIAddress)
	if videoPath == "" {
		slog.Error("no video file configured (set videoPath or FRAMELOCK_VIDEO)")
		os.Exit(1)
	}

	slog.Info("framelock starting",
		"version", version,
		"conf", confPath,
		"video", videoPath,
		"api", apiAddr,
		"offset_ms", cfg.SyncOffsetMs,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	p, err := player.Load(videoPath, cfg.Decoder, player.Config{
		CacheCapacity: cfg.CacheCapacity,
		PreloadFrames: cfg.PreloadFrames,
		DecodeAhead:   cfg.DecodeAhead,
	}, slog.Default())
	if err != nil {
		slog.Error("failed to load video", "path", videoPath, "error", err)
		os.Exit(1)
	}
	defer p.Close()

	clock := transport.NewFreeRunClock(cfg.SampleRate)
	follower := transport.NewFollower(clock, p, cfg.SyncOffsetMs,
		time.Duration(cfg.RenderTickMs)*time.Millisecond, slog.Default())

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: api.Handler(p.Stats, slog.Default()),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return follower.Run(ctx)
	})

	g.Go(func() error {
		slog.Info("API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
