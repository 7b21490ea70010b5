package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/simbus-network/sim-runtime/mc-node/controller"
	"github.com/simbus-network/sim-runtime/mc-node/flags"
	// Bind the built-in gateway model for gateway-kind stacks.
	_ "github.com/simbus-network/sim-runtime/mc-node/gateway"
	"github.com/simbus-network/sim-runtime/mc-node/metrics"
	"github.com/simbus-network/sim-runtime/mc-node/modelc"
	oplog "github.com/simbus-network/sim-runtime/mc-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
)

func main() {
	if err := run(os.Args); err != nil {
		log.Crit("Application failed", "err", err)
	}
}

// run parses the supplied args to create a modelc.Config instance, sets up
// logging, then hosts the configured model instances until end-of-run or an
// interrupt. Split out from main to allow testing the CLI translation.
func run(args []string) error {
	// Set up logger with a default INFO level in case we fail to parse flags,
	// otherwise the final critical log won't show what the parsing error was.
	oplog.SetupDefaults()

	app := cli.NewApp()
	app.Version = version()
	app.Flags = flags.Flags
	app.Name = "modelc"
	app.Usage = "SimBus Model Controller"
	app.Description = "The Model Controller hosts model instances of a distributed co-simulation " +
		"and keeps them in step with the SimBus."
	app.ArgsUsage = "<stack.yaml> [model.yaml ...]"
	app.Action = func(ctx *cli.Context) error {
		logger := setupLogging(ctx)
		logger.Info("Starting model controller", "version", app.Version)

		cfg, err := modelc.NewConfigFromCLI(logger, ctx)
		if err != nil {
			return err
		}
		return hostInstances(ctx.Context, logger, cfg)
	}

	return app.Run(args)
}

func version() string {
	if GitCommit != "" {
		return Version + "-" + GitCommit[:8]
	}
	return Version
}

func setupLogging(ctx *cli.Context) log.Logger {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	return logger
}

func hostInstances(ctx context.Context, logger log.Logger, cfg *modelc.Config) error {
	m := metrics.NewMetrics("default")
	rt, err := modelc.New(ctx, cfg, logger, version(), m)
	if err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		sig, ok := <-interrupts
		if !ok {
			return
		}
		logger.Warn("Interrupt received, shutting down", "signal", sig)
		rt.Shutdown()
	}()

	runErr := rt.Run(ctx)
	if errors.Is(runErr, controller.ErrCancelled) {
		// Normal termination with a cancelled indicator.
		runErr = nil
	}

	if err := rt.Stop(ctx); err != nil && !errors.Is(err, modelc.ErrAlreadyClosed) {
		if runErr == nil {
			return err
		}
		logger.Error("Failed to stop runtime cleanly", "err", err)
	}
	return runErr
}
