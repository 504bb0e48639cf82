package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/initializ/skillhost/catalog"
	"github.com/initializ/skillhost/telemetry"
)

var toolsManifest string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools advertised by the skill manifest",
	Long: `List every tool the skill manifest advertises, prefixed with its
skill name. This reads the manifest only; no skill is spawned.`,
	RunE: toolsRun,
}

func init() {
	toolsCmd.Flags().StringVar(&toolsManifest, "manifest", "", "path to skill manifest (overrides config file)")
}

func toolsRun(cmd *cobra.Command, args []string) error {
	path := toolsManifest
	if path == "" {
		cfg, err := loadHostConfig()
		if err != nil {
			return err
		}
		path = cfg.ManifestPath
	}
	if path == "" {
		path = "skills.yaml"
	}

	cat, err := catalog.New(path, telemetry.NopLogger{})
	if err != nil {
		return err
	}

	tools := cat.ListTools()
	if len(tools) == 0 {
		fmt.Fprintln(os.Stderr, "no tools in manifest")
		return nil
	}
	for _, tool := range tools {
		if tool.Description != "" {
			fmt.Printf("%-30s %s\n", tool.Name, tool.Description)
		} else {
			fmt.Println(tool.Name)
		}
	}
	return nil
}
