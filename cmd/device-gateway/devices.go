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

package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/device-gateway/pkg/config"
)

var errNoConfigFile = errors.New("--config is required")

// newDevicesCmd manages the devices listed in a configuration file.
func newDevicesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage devices defined in the configuration file",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if *configPath == "" {
				return errNoConfigFile
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			listDevices(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	var algorithm string
	var disabled bool
	addCmd := &cobra.Command{
		Use:   "add <device-key> <credential>",
		Short: "Add a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := updateConfig(*configPath, func(cfg *config.Config) error {
				return cfg.AddDevice(args[0], args[1], algorithm, !disabled)
			})
			if err != nil {
				return err
			}
			status := "enabled"
			if disabled {
				status = "disabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Device '%s' added (algorithm: %s, status: %s)\n", args[0], algorithm, status)
			return nil
		},
	}
	addCmd.Flags().StringVar(&algorithm, "algo", "bcrypt", "Credential algorithm: plain, sha256, bcrypt")
	addCmd.Flags().BoolVar(&disabled, "disabled", false, "Add the device disabled")

	removeCmd := &cobra.Command{
		Use:   "remove <device-key>",
		Short: "Remove a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := updateConfig(*configPath, func(cfg *config.Config) error {
				return cfg.RemoveDevice(args[0])
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Device '%s' removed\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd,
		newEnableCmd(configPath, "enable", "Allow a device to connect", true),
		newEnableCmd(configPath, "disable", "Reject a device without removing it", false))
	return cmd
}

func newEnableCmd(configPath *string, use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <device-key>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := updateConfig(*configPath, func(cfg *config.Config) error {
				return cfg.SetDeviceEnabled(args[0], enabled)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Device '%s' %sd\n", args[0], use)
			return nil
		},
	}
}

// updateConfig loads the file at path, applies fn and writes it back.
func updateConfig(path string, fn func(cfg *config.Config) error) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := fn(cfg); err != nil {
		return err
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func listDevices(w io.Writer, cfg *config.Config) {
	if len(cfg.Auth.Devices) == 0 {
		fmt.Fprintln(w, "No devices configured")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE KEY\tALGORITHM\tENABLED\tCREDENTIAL")
	fmt.Fprintln(tw, "----------\t---------\t-------\t----------")
	for _, d := range cfg.Auth.Devices {
		enabled := "✓"
		if !d.Enabled {
			enabled = "✗"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.DeviceKey, d.Algorithm, enabled, maskCredential(d.Credential))
	}
	tw.Flush()
}

// maskCredential keeps only the ends of a credential visible.
func maskCredential(c string) string {
	switch {
	case len(c) > 8:
		return c[:4] + "****" + c[len(c)-4:]
	case len(c) > 4:
		return c[:2] + "****" + c[len(c)-2:]
	default:
		return "****"
	}
}
