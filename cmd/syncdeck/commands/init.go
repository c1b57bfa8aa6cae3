package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/syncdeck/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Write a configuration file with the default settings.

Without --config the file lands at $XDG_CONFIG_HOME/syncdeck/config.yaml.
Edit it afterwards to point storage.root at the data directory.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if fileExists(path) && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Add an account: syncdeck user add <username>")
	fmt.Println("  3. Start the server: syncdeck start")
	return nil
}
