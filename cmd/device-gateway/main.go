// Copyright 2023 The emqx-go Authors
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

// package main is the entrypoint for the device gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turtacn/device-gateway/pkg/config"
	"github.com/turtacn/device-gateway/pkg/gateway"
	"github.com/turtacn/device-gateway/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "device-gateway",
		Short:         "MQTT connectivity gateway for field devices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (.yaml, .yml or .json)")

	root.AddCommand(
		newServeCmd(&configPath),
		newConfigCmd(&configPath),
		newDevicesCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the file at path, or the defaults when path is empty, and
// applies GATEWAY_* environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

// serve runs a gateway until ctx is done.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting device gateway", zap.String("version", gateway.Version), zap.String("node", cfg.Gateway.NodeID))

	gw, err := gateway.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	if err := gw.Start(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Std())
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	<-ctx.Done()
	log.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout.Std())
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
		return err
	}
	log.Info("device gateway exited")
	return nil
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate configuration files",
	}

	var format string
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg, "."+format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	printCmd.Flags().StringVarP(&format, "format", "o", "yaml", "Output format: yaml or json")

	generateCmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Write the default configuration to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.SaveConfig(config.DefaultConfig(), args[0]); err != nil {
				return fmt.Errorf("failed to generate config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Sample configuration saved to %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(printCmd, generateCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "device-gateway %s (%s %s/%s)\n",
				gateway.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
