package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/slicenet/internal/api"
	"github.com/cochaviz/slicenet/internal/setup"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(logger *slog.Logger) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "Serve the read-only inventory and topology API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "serve")
			return withApp(cmd.Context(), cmdLogger, func(a *app) error {
				if listen == "" {
					listen = a.config.Listen
				}
				server := &http.Server{
					Addr:              listen,
					Handler:           api.New(a.store, a.topology, a.service, cmdLogger.With("component", "api")).Router(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				return serve(cmd.Context(), server, cmdLogger)
			})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (defaults to the configured one)")
	return cmd
}

// serve runs server until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("api stopped")
	return nil
}

func newConfigCommand(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the slicenet configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Args:  cobra.NoArgs,
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "config.init", "path", setup.ConfigPath())
			if force {
				if err := setup.ClearConfig(); err != nil {
					return err
				}
			}
			if _, err := os.Stat(setup.ConfigPath()); err == nil {
				cmdLogger.Warn("configuration already exists; use --force to overwrite")
				return nil
			}
			if _, err := setup.LoadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), setup.ConfigPath())
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Replace an existing configuration with the defaults")

	showCmd := &cobra.Command{
		Use:   "show",
		Args:  cobra.NoArgs,
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup.LoadConfig()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
