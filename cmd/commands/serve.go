package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/orchestrator"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the orchestrator and its gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s (run `quorum init` first?): %w", configPath, err)
	}

	level := new(slog.LevelVar)
	level.Set(logLevel(cfg.Log.Level, cmd.Bool("debug")))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sys, err := orchestrator.New(runCtx, cfg, orchestrator.Paths{}, slog.Default())
	if err != nil {
		return err
	}
	if err := sys.Start(runCtx); err != nil {
		sys.Shutdown(context.Background())
		return err
	}

	// SIGHUP re-reads .env and config.jsonc. Only the log level applies
	// live; everything else waits for a restart.
	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg, slog.Default())
	reloader.OnReload(func(next *config.Config) {
		level.Set(logLevel(next.Log.Level, cmd.Bool("debug")))
	})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if err := reloader.Reload(); err != nil {
				slog.Warn("config reload failed", slog.Any("error", err))
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sys.Gateway.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if serr := sys.Gateway.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	cancel() // stop agents before closing the store under them
	sys.Shutdown(shutdownCtx)
	return err
}

// logLevel maps the configured level name; --debug always wins.
func logLevel(name string, debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	switch name {
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
