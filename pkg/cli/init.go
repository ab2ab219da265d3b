package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/poltergeist/revenant/pkg/utils"
)

func (c *CLI) newInitCmd() *cobra.Command {
	var format string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default Revenant configuration",
		Long: `Write a configuration file with the default layout to the project root.
Edit it to point at your source and output directories.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInit(format, force)
		},
	}

	cmd.Flags().StringVar(&format, "format", "yaml", "config format (yaml, json)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

func (c *CLI) runInit(format string, force bool) error {
	path := c.flags.ConfigFile
	if path == "" {
		switch format {
		case "yaml", "yml":
			path = filepath.Join(c.flags.ProjectRoot, "revenant.config.yaml")
		case "json":
			path = filepath.Join(c.flags.ProjectRoot, "revenant.config.json")
		default:
			return fmt.Errorf("unsupported format %q (use yaml or json)", format)
		}
	}

	if utils.FileExists(path) && !force {
		return fmt.Errorf("configuration already exists at %s. Use --force to overwrite", path)
	}

	if err := c.config.WriteDefault(path, force); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	c.printSuccess(fmt.Sprintf("Created configuration at %s", path))
	c.printInfo("Run `revenant validate` to check the resolved paths")
	return nil
}
