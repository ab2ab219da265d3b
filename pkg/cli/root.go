// Package cli provides the command-line interface for Revenant
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poltergeist/revenant/internal/engine"
	"github.com/poltergeist/revenant/pkg/compile"
	"github.com/poltergeist/revenant/pkg/config"
	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
)

// CLI encapsulates the command tree and the state shared between commands.
type CLI struct {
	config   *config.Manager
	flags    *Config
	rootCmd  *cobra.Command
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer

	// plainLogs routes logs to errorOut without colors
	plainLogs bool
	runner    compile.CommandRunner
	stopProf  func()
	watchDeps func(*engine.DependencyFactory) (engine.WatchDependencies, error)
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(flags *Config) *CLI {
	if flags == nil {
		flags = NewConfig()
	}

	c := &CLI{
		config:   config.NewManager(),
		flags:    flags,
		output:   os.Stdout,
		errorOut: os.Stderr,
		runner:   compile.ExecRunner,
		watchDeps: func(f *engine.DependencyFactory) (engine.WatchDependencies, error) {
			return f.CreateWatchDefaults()
		},
	}

	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(flags *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(flags)
	c.output = output
	c.errorOut = errorOut
	c.plainLogs = true
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	err := c.rootCmd.ExecuteContext(ctx)
	if c.stopProf != nil {
		c.stopProf()
		c.stopProf = nil
	}
	return err
}

// Execute runs the CLI against the process arguments
func Execute(version string) error {
	flags := NewConfig()
	flags.Version = version
	return NewCLI(flags).Execute(os.Args[1:])
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "revenant",
		Short: "Fingerprinting asset pipeline for static sites",
		Long: `Revenant compiles stylesheets and scripts, fingerprints them with content
hashes, rewrites HTML references to the hashed names and writes pre-compressed
siblings for every text asset.

Use "revenant build" for a production build into the output directory, or
"revenant watch" to recompile development assets as sources change.`,

		SilenceUsage:      true,
		PersistentPreRunE: c.initializeConfig,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.flags.Version
	c.rootCmd.SetVersionTemplate("revenant {{.Version}}\n")

	c.rootCmd.AddCommand(c.newBuildCmd())
	c.rootCmd.AddCommand(c.newWatchCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newCleanCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.flags.ConfigFile, "config", "", "config file (default: revenant.config.{yaml,yml,json} in the project root)")
	flags.StringVar(&c.flags.ProjectRoot, "root", c.flags.ProjectRoot, "project root directory")
	flags.StringVarP(&c.flags.Verbosity, "verbosity", "v", c.flags.Verbosity, "log level (debug, info, warn, error)")
	flags.StringVar(&c.flags.LogFile, "log-file", "", "also append logs to this file")
	flags.StringVar(&c.flags.CPUProfile, "cpuprofile", "", "write a CPU profile to this file (inspect with pprof)")
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	if c.plainLogs {
		c.logger = logger.CreateLoggerWithOutput(c.flags.Verbosity, c.errorOut)
	} else {
		c.logger = logger.CreateLogger(c.flags.LogFile, c.flags.Verbosity)
	}

	root, err := filepath.Abs(c.flags.ProjectRoot)
	if err != nil {
		return fmt.Errorf("invalid project root: %w", err)
	}
	c.flags.ProjectRoot = root

	if c.flags.CPUProfile != "" {
		return c.startProfile(c.flags.CPUProfile)
	}
	return nil
}

func (c *CLI) startProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start profile: %w", err)
	}
	c.stopProf = func() {
		pprof.StopCPUProfile()
		f.Close()
		c.logger.Debug("Wrote CPU profile", logger.WithField("file", path))
	}
	return nil
}

// configPath returns the config file to load, or "" to use the defaults.
func (c *CLI) configPath() string {
	if c.flags.ConfigFile != "" {
		return c.flags.ConfigFile
	}
	return config.FindConfig(c.flags.ProjectRoot)
}

func (c *CLI) loadBuildConfig() (*types.BuildConfig, error) {
	path := c.configPath()
	cfg, err := c.config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		c.logger.Debug("Using config file", logger.WithField("file", path))
	} else {
		c.logger.Debug("No config file found, using defaults")
	}
	return cfg, nil
}

func (c *CLI) newFactory(cfg *types.BuildConfig) *engine.DependencyFactory {
	factory := engine.NewDependencyFactory(c.flags.ProjectRoot, c.logger, cfg)
	factory.SetCommandRunner(c.runner)
	return factory
}

func (c *CLI) printSuccess(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.GreenString("[revenant]"), message)
}

func (c *CLI) printError(message string) {
	fmt.Fprintf(c.errorOut, "%s %s\n", color.RedString("[revenant]"), message)
}

func (c *CLI) printInfo(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.CyanString("[revenant]"), message)
}

func (c *CLI) printWarning(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.YellowString("[revenant]"), message)
}
