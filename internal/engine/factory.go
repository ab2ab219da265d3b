package engine

import (
	"github.com/poltergeist/revenant/internal/watcher"
	"github.com/poltergeist/revenant/pkg/compile"
	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/notifier"
	"github.com/poltergeist/revenant/pkg/state"
	"github.com/poltergeist/revenant/pkg/types"
)

// WatchDependencies are the collaborators a DevWatcher needs
type WatchDependencies struct {
	Changes  FileChangeNotifier
	Notifier BuildNotifier
	Status   StatusRecorder
}

// DependencyFactory creates default implementations of dependencies so that
// constructors never fall back to hidden concrete types.
type DependencyFactory struct {
	projectRoot string
	logger      logger.Logger
	config      *types.BuildConfig
	runner      compile.CommandRunner
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(projectRoot string, log logger.Logger, config *types.BuildConfig) *DependencyFactory {
	return &DependencyFactory{
		projectRoot: projectRoot,
		logger:      log,
		config:      config,
		runner:      compile.ExecRunner,
	}
}

// SetCommandRunner replaces the runner used to invoke the sass binary
func (f *DependencyFactory) SetCommandRunner(runner compile.CommandRunner) {
	f.runner = runner
}

// CreateWatchDefaults creates an fsnotify watcher, a state manager and,
// when enabled, a desktop notifier.
func (f *DependencyFactory) CreateWatchDefaults() (WatchDependencies, error) {
	changes, err := watcher.NewFSNotifier(f.config.Watch.GetSettlingDelay(), f.logger.WithStage("watch"))
	if err != nil {
		return WatchDependencies{}, err
	}

	deps := WatchDependencies{
		Changes: changes,
		Status:  state.NewManager(f.projectRoot, f.logger.WithStage("state")),
	}
	if f.config.Notifications.Enabled {
		deps.Notifier = notifier.New(f.config.Notifications, f.logger)
	}
	return deps, nil
}

// CreateWithOverrides creates watch dependencies, replacing defaults with
// any non-nil override. Useful for tests.
func (f *DependencyFactory) CreateWithOverrides(overrides WatchDependencies) (WatchDependencies, error) {
	if overrides.Changes != nil {
		deps := WatchDependencies{Changes: overrides.Changes, Notifier: overrides.Notifier, Status: overrides.Status}
		if deps.Notifier == nil && f.config.Notifications.Enabled {
			deps.Notifier = notifier.New(f.config.Notifications, f.logger)
		}
		return deps, nil
	}

	deps, err := f.CreateWatchDefaults()
	if err != nil {
		return deps, err
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	if overrides.Status != nil {
		deps.Status = overrides.Status
	}
	return deps, nil
}

// NewProductionBuilder creates a ProductionBuilder for the factory's project
func (f *DependencyFactory) NewProductionBuilder() *ProductionBuilder {
	return NewProductionBuilder(f.config, f.projectRoot, f.logger, WithCommandRunner(f.runner))
}

// NewDevWatcher creates a DevWatcher wired to the given dependencies
func (f *DependencyFactory) NewDevWatcher(deps WatchDependencies, targets ...string) (*DevWatcher, error) {
	opts := []DevOption{WithDevCommandRunner(f.runner)}
	if len(targets) > 0 {
		opts = append(opts, WithTargets(targets...))
	}
	if deps.Status != nil {
		opts = append(opts, WithStatusRecorder(deps.Status))
	}
	return NewDevWatcher(f.config, f.projectRoot, f.logger, deps.Changes, deps.Notifier, opts...)
}
