// Command skillhost runs the skill-hosting daemon and its operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/initializ/skillhost/types"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "skillhost",
	Short:         "Sandboxed skill process host",
	Long:          "skillhost launches agent skills as sandboxed subprocesses, discovers their tools over stdio and routes tool calls to them.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "skillhost.yaml", "path to host configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(reloadCmd)
}

// loadHostConfig reads the config file if present and applies defaults.
// A missing file yields the default configuration so the daemon can run
// with flags alone.
func loadHostConfig() (*types.HostConfig, error) {
	data, err := os.ReadFile(cfgFile)
	if os.IsNotExist(err) {
		cfg := &types.HostConfig{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := types.ParseHostConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
