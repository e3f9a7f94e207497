package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stackmesh/dobs-luks-csi/config"
	"github.com/stackmesh/dobs-luks-csi/controller"
	"github.com/stackmesh/dobs-luks-csi/driver"
	"github.com/stackmesh/dobs-luks-csi/simulator"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	setupLogging()

	cmd := &cli.Command{
		Name:    config.DriverName,
		Usage:   "CSI plugin for DigitalOcean block storage with LUKS encryption",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:   "controller",
				Usage:  "Run the CSI controller and identity services",
				Action: runController,
			},
			{
				Name:   "node",
				Usage:  "Run the CSI node and identity services",
				Action: runNode,
			},
			{
				Name:   "simulator",
				Usage:  "Run a local in-memory block storage API",
				Action: runSimulator,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("exiting")
	}
}

// setupLogging emits JSON in the cluster and something readable when
// stderr is a terminal.
func setupLogging() {
	level := zerolog.InfoLevel
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		if parsed, err := zerolog.ParseLevel(l); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func runController(ctx context.Context, _ *cli.Command) error {
	log.Info().Str("version", version).Str("commit", commit).Msg("starting dobs-luks-csi controller")

	cfg, err := env.ParseAs[config.ControllerConfig]()
	if err != nil {
		return fmt.Errorf("parsing controller config: %w", err)
	}

	return controller.Start(ctx, &cfg, version)
}

func runNode(ctx context.Context, _ *cli.Command) error {
	log.Info().Str("version", version).Str("commit", commit).Msg("starting dobs-luks-csi node plugin")

	cfg, err := env.ParseAs[config.NodeConfig]()
	if err != nil {
		return fmt.Errorf("parsing node config: %w", err)
	}

	return driver.Start(ctx, &cfg, version)
}

func runSimulator(ctx context.Context, _ *cli.Command) error {
	log.Info().Str("version", version).Msg("starting block storage simulator")

	cfg, err := env.ParseAs[config.SimulatorConfig]()
	if err != nil {
		return fmt.Errorf("parsing simulator config: %w", err)
	}

	return simulator.New(&cfg, version).Start(ctx, cfg.ListenAddr)
}
