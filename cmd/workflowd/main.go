// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BV-BRC/workflow-engine/internal/config"
	"github.com/BV-BRC/workflow-engine/internal/daemon"
	"github.com/BV-BRC/workflow-engine/internal/log"
)

// Version information (injected via ldflags at build time)
var version = "dev"

func main() {
	var (
		configPath string
		host       string
		port       int
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "workflowd",
		Short: "BV-BRC workflow orchestration daemon",
		Long: `workflowd runs multi-step bioinformatics workflows against the
BV-BRC app service. It exposes an HTTP API for submitting and tracking
workflows and polls the scheduler to drive step execution.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// CLI flags win over file and environment values.
			if cmd.Flags().Changed("host") {
				cfg.API.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			logCfg := log.FromEnv()
			logCfg.Level = cfg.Logging.Level
			logCfg.Format = log.Format(cfg.Logging.Format)
			logger := log.New(logCfg)
			slog.SetDefault(logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			d, err := daemon.New(ctx, cfg, daemon.Options{Version: version})
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				errCh <- d.Start(ctx)
			}()

			select {
			case sig := <-sigCh:
				logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
				cancel()
				if err := d.Shutdown(context.Background()); err != nil {
					logger.Error("error during shutdown", slog.Any("error", err))
				}
				return nil
			case err := <-errCh:
				return err
			}
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	rootCmd.Flags().IntVar(&port, "port", 8000, "HTTP listen port")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
