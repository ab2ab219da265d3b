package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/poltergeist/revenant/pkg/compile"
	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
)

// Watch targets
const (
	TargetStyle   = "style"
	TargetScripts = "scripts"
)

// AllTargets lists every watch target in start order
var AllTargets = []string{TargetStyle, TargetScripts}

// DevOption customizes a DevWatcher
type DevOption func(*DevWatcher)

// WithDevCommandRunner replaces the runner used to invoke the sass binary.
func WithDevCommandRunner(runner compile.CommandRunner) DevOption {
	return func(w *DevWatcher) {
		w.runner = runner
	}
}

// WithStatusRecorder records each recompile in r
func WithStatusRecorder(r StatusRecorder) DevOption {
	return func(w *DevWatcher) {
		w.status = r
	}
}

// WithTargets restricts the watcher to the named targets
func WithTargets(targets ...string) DevOption {
	return func(w *DevWatcher) {
		w.targets = targets
	}
}

type devTarget struct {
	name     string
	dir      string
	patterns []string
	output   string
	compile  StageFunc

	// one recompile per target at a time
	mu sync.Mutex
}

// DevWatcher recompiles style and script sources into stable, unhashed
// outputs with source maps whenever their source tree changes.
type DevWatcher struct {
	config   *types.BuildConfig
	paths    types.Paths
	logger   logger.Logger
	changes  FileChangeNotifier
	notifier BuildNotifier
	status   StatusRecorder
	runner   compile.CommandRunner

	targets []string
	byName  map[string]*devTarget
}

// NewDevWatcher creates a watcher for the project at root. notifier may be nil.
func NewDevWatcher(
	config *types.BuildConfig,
	root string,
	log logger.Logger,
	changes FileChangeNotifier,
	notifier BuildNotifier,
	opts ...DevOption,
) (*DevWatcher, error) {
	if changes == nil {
		return nil, fmt.Errorf("file change notifier is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	w := &DevWatcher{
		config:   config,
		paths:    config.ResolvePaths(root),
		logger:   log,
		changes:  changes,
		notifier: notifier,
		runner:   compile.ExecRunner,
		targets:  AllTargets,
	}
	for _, opt := range opts {
		opt(w)
	}

	style, err := compile.NewStyleCompiler(compile.StyleOptions{
		Entry:      w.paths.StyleEntry,
		Output:     w.paths.DevStyle,
		SassBinary: config.Style.SassBinary,
		LoadPaths:  resolveAll(w.paths.Root, config.Style.LoadPaths),
		Targets:    config.Style.Targets,
		SourceMap:  true,
		Runner:     w.runner,
	}, log.WithStage(TargetStyle))
	if err != nil {
		return nil, err
	}
	script, err := compile.NewScriptCompiler(compile.ScriptOptions{
		Entry:      w.paths.ScriptEntry,
		Output:     w.paths.DevScript,
		Target:     config.Script.Target,
		GlobalName: config.Script.GlobalName,
		SourceMap:  true,
	}, log.WithStage(TargetScripts))
	if err != nil {
		return nil, err
	}

	all := map[string]*devTarget{
		TargetStyle: {
			name:     TargetStyle,
			dir:      w.paths.StyleDir,
			patterns: config.Watch.StylePatterns,
			output:   style.Output(),
			compile:  style.Compile,
		},
		TargetScripts: {
			name:     TargetScripts,
			dir:      w.paths.ScriptDir,
			patterns: config.Watch.ScriptPatterns,
			output:   script.Output(),
			compile:  script.Bundle,
		},
	}

	w.byName = make(map[string]*devTarget, len(w.targets))
	for _, name := range w.targets {
		t, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown watch target %q", types.ErrInvalidConfig, name)
		}
		w.byName[name] = t
	}

	return w, nil
}

// Recompile rebuilds a single target. Recompiles of the same target are
// serialized; different targets run independently.
func (w *DevWatcher) Recompile(ctx context.Context, target string) error {
	return w.recompile(ctx, target, nil)
}

func (w *DevWatcher) recompile(ctx context.Context, target string, files []string) error {
	t, ok := w.byName[target]
	if !ok {
		return fmt.Errorf("%w: unknown watch target %q", types.ErrInvalidConfig, target)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	log := w.logger.WithStage(target)
	if w.status != nil {
		w.status.BuildStarted(target, files)
	}
	start := time.Now()
	err := t.compile(ctx)
	elapsed := time.Since(start)
	if w.status != nil {
		w.status.BuildFinished(target, elapsed, err)
	}

	if err != nil {
		log.Error("Recompile failed", logger.WithField("error", err))
		if w.notifier != nil {
			w.notifier.NotifyBuildFailure(target, err)
		}
		return err
	}

	log.Success("Recompiled",
		logger.WithField("output", t.output),
		logger.WithField("duration", elapsed))
	if w.notifier != nil {
		w.notifier.NotifyBuildSuccess(target, elapsed)
	}
	return nil
}

// Run compiles every target once, then recompiles on change until ctx is
// done. Compile failures are reported and never stop the watcher.
func (w *DevWatcher) Run(ctx context.Context) error {
	defer w.changes.Close()

	if w.status != nil {
		if err := w.status.Track(ctx, w.targets); err != nil {
			w.logger.Warn("Watch status will not be recorded", logger.WithField("error", err))
		}
		defer w.status.Release()
	}

	for _, name := range w.targets {
		name := name
		t := w.byName[name]
		_ = w.Recompile(ctx, name)

		if err := w.changes.Subscribe(t.dir, t.patterns, func(ev types.ChangeEvent) {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithStage(name).Info("Source changed", logger.WithField("files", ev.Files))
			_ = w.recompile(ctx, name, ev.Files)
		}); err != nil {
			return fmt.Errorf("failed to watch %s: %w", t.dir, err)
		}
	}

	w.logger.Info("Watching for changes", logger.WithField("targets", w.targets))
	<-ctx.Done()
	w.logger.Info("Stopped watching")
	return nil
}

func resolveAll(root string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		out = append(out, p)
	}
	return out
}
