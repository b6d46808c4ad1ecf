package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"intentbridge/internal/config"
)

var (
	configForce  bool
	configAsTOML bool
)

// configCmd groups settings file helpers.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the settings file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default settings (YAML, or TOML for a .toml path)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.DefaultSettings().Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings after defaults and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := config.Load(configPath)
		if err != nil {
			return err
		}
		data, err := settings.Marshal(configAsTOML)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		if verr := settings.Validate(); verr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", verr)
		}
		return err
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configShowCmd.Flags().BoolVar(&configAsTOML, "toml", false, "Print TOML instead of YAML")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
