package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/poltergeist/revenant/pkg/state"
	"github.com/poltergeist/revenant/pkg/types"
)

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of watch targets",
		Long:  `Display the last recompile result of each watch target, as recorded by "revenant watch".`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus()
		},
	}
}

func (c *CLI) runStatus() error {
	states, err := state.NewManager(c.flags.ProjectRoot, c.logger).DiscoverStates()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		c.printInfo("No watch status recorded. Run `revenant watch` first")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tSTATUS\tBUILDS\tFAILURES\tLAST BUILD\tDURATION\tWATCHER")
	for _, s := range states {
		last := "never"
		if !s.LastBuildTime.IsZero() {
			last = s.LastBuildTime.Format("15:04:05")
		}
		watcher := "stopped"
		if s.IsActive(now) {
			watcher = fmt.Sprintf("pid %d", s.ProcessID)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.Target, colorStatus(s.Status), s.BuildCount, s.FailureCount,
			last, s.BuildDuration.Round(time.Millisecond), watcher)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, s := range states {
		if s.Status == types.BuildStatusFailed && s.LastError != "" {
			c.printWarning(fmt.Sprintf("%s: %s", s.Target, s.LastError))
		}
	}
	return nil
}

func colorStatus(status types.BuildStatus) string {
	switch status {
	case types.BuildStatusSucceeded:
		return color.GreenString(status.String())
	case types.BuildStatusFailed:
		return color.RedString(status.String())
	case types.BuildStatusBuilding:
		return color.YellowString(status.String())
	}
	return status.String()
}
