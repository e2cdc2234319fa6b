package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tariel-x/callsignal/internal/config"
	"github.com/tariel-x/callsignal/internal/recording"
	"github.com/tariel-x/callsignal/internal/store"
)

const AppVersion = "1.0.0"

const staleCallAge = 3 * time.Hour

func main() {
	app := &cli.App{
		Name:    "callsignal",
		Usage:   "call signaling and session lifecycle coordinator",
		Version: AppVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.BoolFlag{
				Name:  "http-only",
				Usage: "serve plain HTTP (TLS terminated elsewhere)",
			},
			&cli.BoolFlag{
				Name:  "self-signed",
				Usage: "serve HTTPS with a generated self-signed certificate",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the signaling server (default)",
				Action: serve,
			},
			{
				Name:   "cleanup-recordings",
				Usage:  "stop active recordings of rooms that are gone or have one participant left",
				Action: cleanupRecordings,
			},
			{
				Name:   "cleanup-calls",
				Usage:  "mark answered calls older than 3 hours as ended",
				Action: cleanupCalls,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	for _, w := range cfg.Validate() {
		logger.Warn("config", "warning", w)
	}
	return cfg, logger, nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("Callsignal Server v%s", AppVersion))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Recordings left running by a previous process.
	go func() {
		if _, err := a.orchestrator.SweepOrphans(ctx); err != nil {
			logger.Error("startup recordings sweep failed", "error", err)
		}
	}()

	mode := modeLetsEncrypt
	switch {
	case c.Bool("http-only"):
		mode = modeHTTP
	case c.Bool("self-signed"):
		mode = modeSelfSigned
	}
	return runServer(ctx, a.Handler(), cfg, mode, logger)
}

func cleanupRecordings(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	lk := newLiveKitClient(cfg)
	orch := recording.NewOrchestrator(lk, nil, logger, nil)

	ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
	defer cancel()

	res, err := orch.SweepOrphans(ctx)
	if err != nil {
		return fmt.Errorf("cleanup recordings: %w", err)
	}
	fmt.Printf("checked %d, stopped %d, failed %d\n", res.Checked, res.Stopped, res.Failed)
	return nil
}

func cleanupCalls(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now()
	n, err := st.EndStaleAnsweredCalls(c.Context, now.Add(-staleCallAge), now)
	if err != nil {
		return fmt.Errorf("cleanup calls: %w", err)
	}
	logger.Info("stale answered calls ended", "count", n)
	return nil
}
