package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/poltergeist/revenant/internal/engine"
	"github.com/poltergeist/revenant/pkg/config"
	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	var noReload bool

	cmd := &cobra.Command{
		Use:   "watch [style|scripts]",
		Short: "Recompile development assets when sources change",
		Long: `Compile the development stylesheet and script bundle with source maps, then
recompile each one whenever files under its source directory change.

If a target name is provided, only that target is watched. Compilation
failures are reported and watching continues. Edits to the config file restart
the watchers with the new configuration.`,
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: engine.AllTargets,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd.Context(), args, !noReload)
		},
	}

	cmd.Flags().BoolVar(&noReload, "no-reload", false, "do not restart when the config file changes")
	return cmd
}

func (c *CLI) runWatch(parent context.Context, targets []string, reload bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := c.loadBuildConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reloads := make(chan *types.BuildConfig, 1)
	if path := c.configPath(); reload && path != "" {
		rm := config.NewReloadManager(path, c.logger.WithStage("config"))
		rm.AddCallback(func(next *types.BuildConfig, err error) {
			if err != nil {
				c.logger.Warn("Keeping previous configuration", logger.WithField("error", err))
				return
			}
			// keep only the latest pending config
			select {
			case <-reloads:
			default:
			}
			reloads <- next
		})
		if err := rm.StartWatching(); err != nil {
			c.logger.Warn("Config reload disabled", logger.WithField("error", err))
		} else {
			defer rm.StopWatching()
		}
	}

	if len(targets) > 0 {
		c.printInfo(fmt.Sprintf("Watching target: %s", strings.Join(targets, ", ")))
	} else {
		c.printInfo(fmt.Sprintf("Watching targets: %s", strings.Join(engine.AllTargets, ", ")))
	}

	for {
		next, err := c.watchOnce(ctx, cfg, targets, reloads)
		if err != nil {
			return err
		}
		if next == nil {
			c.printSuccess("Stopped watching")
			return nil
		}
		cfg = next
		c.printInfo("Configuration changed, restarting watchers")
	}
}

// watchOnce runs a DevWatcher until ctx is done or a new configuration
// arrives. It returns the new configuration, or nil on shutdown.
func (c *CLI) watchOnce(ctx context.Context, cfg *types.BuildConfig, targets []string, reloads <-chan *types.BuildConfig) (*types.BuildConfig, error) {
	factory := c.newFactory(cfg)
	deps, err := c.watchDeps(factory)
	if err != nil {
		return nil, fmt.Errorf("failed to start file watcher: %w", err)
	}

	w, err := factory.NewDevWatcher(deps, targets...)
	if err != nil {
		deps.Changes.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	select {
	case err := <-done:
		return nil, err
	case next := <-reloads:
		cancel()
		if err := <-done; err != nil {
			return nil, err
		}
		return next, nil
	}
}
