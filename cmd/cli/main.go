package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/slicenet/internal/logging"
	"github.com/cochaviz/slicenet/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)

	logger, handler := logging.NewSwitchable(logging.New(logging.ModeText, os.Stderr, &levelVar))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, handler, &levelVar)
	err := root.ExecuteContext(ctx)
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		logger.Warn("command interrupted", "error", err)
		os.Exit(130)
	case err != nil:
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	output string
}

func newRootCommand(logger *slog.Logger, handler *logging.Switchable, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	var (
		logLevel  = defaultLogLevel
		logFormat = "text"
		configDir = setup.ConfigDir
		opts      globalOptions
	)

	root := &cobra.Command{
		Use:           "slicenet",
		Short:         "Provision isolated network slices and place VMs on hypervisor workers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logFormat, "Log record format (text, json)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Result format (text, json)")
	root.PersistentFlags().StringVar(&configDir, "config-dir", configDir, "Directory holding slicenet.yaml")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		if opts.output != "text" && opts.output != "json" {
			return errors.New("output must be text or json")
		}
		levelVar.Set(level)
		handler.Set(logging.New(mode, os.Stderr, levelVar))
		setup.ConfigDir = configDir
		return nil
	}

	root.AddCommand(
		newCreateNetworkCommand(logger, &opts),
		newCreateNetworkRangeCommand(logger, &opts),
		newInternetCommand(logger, &opts, true),
		newInternetCommand(logger, &opts, false),
		newPlaceVMsCommand(logger, &opts),
		newTeardownCommand(logger, &opts),
		newStatusCommand(logger, &opts),
		newDeployCommand(logger, &opts),
		newWorkersCommand(logger, &opts),
		newHistoryCommand(logger, &opts),
		newServeCommand(logger),
		newConfigCommand(logger),
	)
	return root
}
