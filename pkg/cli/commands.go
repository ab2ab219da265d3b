package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poltergeist/revenant/internal/engine"
	"github.com/poltergeist/revenant/pkg/state"
	"github.com/poltergeist/revenant/pkg/types"
)

func (c *CLI) newBuildCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the production build once",
		Long: `Clean the output directory, collect html, static and deployment files,
compile and fingerprint the stylesheet and script, rewrite HTML references to
the hashed names and write compressed siblings.

The first failing stage aborts the build with a non-zero exit status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBuild(cmd, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the build report as JSON")
	return cmd
}

// buildSummary is the JSON form of a build report
type buildSummary struct {
	BuildID    string              `json:"buildId"`
	Duration   string              `json:"duration"`
	Manifest   map[string]string   `json:"manifest"`
	Rewritten  int                 `json:"rewritten"`
	Unresolved []string            `json:"unresolved,omitempty"`
	Compressed map[types.Codec]int `json:"compressed"`
	Stages     map[string]string   `json:"stages"`
}

func summarize(report *engine.BuildReport) buildSummary {
	s := buildSummary{
		BuildID:    report.BuildID,
		Duration:   report.Duration.Round(time.Millisecond).String(),
		Manifest:   report.Manifest,
		Rewritten:  report.Rewritten,
		Compressed: report.Compressed,
		Stages:     make(map[string]string, len(report.Stages)),
	}
	for _, u := range report.Unresolved {
		s.Unresolved = append(s.Unresolved, u.String())
	}
	for _, st := range report.Stages {
		s.Stages[st.Name] = st.Duration.Round(time.Millisecond).String()
	}
	return s
}

func (c *CLI) runBuild(cmd *cobra.Command, asJSON bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := c.loadBuildConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	report, err := c.newFactory(cfg).NewProductionBuilder().Build(ctx)
	if err != nil {
		c.printError(fmt.Sprintf("Build failed: %v", err))
		return err
	}

	if asJSON {
		enc := json.NewEncoder(c.output)
		enc.SetIndent("", "  ")
		return enc.Encode(summarize(report))
	}

	c.printReport(report)
	return nil
}

func (c *CLI) printReport(report *engine.BuildReport) {
	keys := make([]string, 0, len(report.Manifest))
	for k := range report.Manifest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ASSET\tFINGERPRINTED")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, report.Manifest[k])
	}
	w.Flush()

	for _, u := range report.Unresolved {
		c.printWarning(fmt.Sprintf("Unresolved reference %s", u))
	}

	codecs := make([]string, 0, len(report.Compressed))
	for codec, n := range report.Compressed {
		codecs = append(codecs, fmt.Sprintf("%s=%d", codec, n))
	}
	sort.Strings(codecs)

	c.printSuccess(fmt.Sprintf("Built %d assets, rewrote %d HTML files, compressed %v in %s",
		len(report.Manifest), report.Rewritten, codecs, report.Duration.Round(time.Millisecond)))
}

func (c *CLI) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the output directory",
		Long:  `Remove the output directory and the recorded status of watch targets
whose watcher is no longer running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadBuildConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cfg.ResolvePaths(c.flags.ProjectRoot).Output
			if err := os.RemoveAll(out); err != nil {
				return fmt.Errorf("failed to remove %s: %w", out, err)
			}
			c.printSuccess(fmt.Sprintf("Removed %s", out))

			cleared, err := c.clearStoppedStates()
			if err != nil {
				return err
			}
			if cleared > 0 {
				c.printSuccess(fmt.Sprintf("Cleared watch status for %d target(s)", cleared))
			}
			return nil
		},
	}
}

// clearStoppedStates removes the state of targets without a live watcher
func (c *CLI) clearStoppedStates() (int, error) {
	sm := state.NewManager(c.flags.ProjectRoot, c.logger)
	states, err := sm.DiscoverStates()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	cleared := 0
	for _, s := range states {
		if s.IsActive(now) {
			continue
		}
		if err := sm.RemoveState(s.Target); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and show resolved paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadBuildConfig()
			if err != nil {
				c.printError(err.Error())
				return err
			}

			source := c.config.ConfigPath()
			if source == "" {
				source = "defaults"
			}
			c.printSuccess(fmt.Sprintf("Configuration is valid (%s)", source))

			p := cfg.ResolvePaths(c.flags.ProjectRoot)
			w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
			for _, row := range [][2]string{
				{"style entry", p.StyleEntry},
				{"script entry", p.ScriptEntry},
				{"html", p.HTMLSource},
				{"static", p.StaticSrc},
				{"deploy", p.DeploySrc},
				{"output", p.Output},
				{"manifest", p.Manifest},
			} {
				fmt.Fprintf(w, "%s\t%s\n", color.New(color.Bold).Sprint(row[0]), row[1])
			}
			fmt.Fprintf(w, "hash\t%s/%d\n", cfg.Rev.Algorithm, cfg.Rev.Length)
			fmt.Fprintf(w, "codecs\t%v\n", cfg.Compression.Codecs)
			return w.Flush()
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "revenant %s\n", c.flags.Version)
		},
	}
}
