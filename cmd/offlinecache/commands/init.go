package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spdeepak/offlinecache/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample offlinecache configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/offlinecache/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  offlinecache init

  # Initialize with custom path
  offlinecache init --config /etc/offlinecache/config.yaml

  # Force overwrite existing config
  offlinecache init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if exists(configPath) && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cmd.Printf("Configuration file created at: %s\n", configPath)
	cmd.Println("\nNext steps:")
	cmd.Println("  1. Set worker.origin and worker.version for your application")
	cmd.Printf("  2. Start the proxy with: offlinecache serve --config %s\n", configPath)
	return nil
}
