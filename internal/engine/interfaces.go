package engine

import (
	"context"
	"time"

	"github.com/poltergeist/revenant/pkg/types"
)

// FileChangeNotifier delivers settled change batches for a source subtree.
// Implementations: watcher.FSNotifier, mocks.MockFileChangeNotifier.
type FileChangeNotifier interface {
	Subscribe(root string, patterns []string, callback func(types.ChangeEvent)) error
	Close() error
}

// BuildNotifier is told about the outcome of each watch-mode recompile.
// Implementations: notifier.BuildNotifier, mocks.MockBuildNotifier.
type BuildNotifier interface {
	NotifyBuildSuccess(target string, duration time.Duration)
	NotifyBuildFailure(target string, err error)
}

// StatusRecorder persists per-target watch status.
// Implementation: state.Manager.
type StatusRecorder interface {
	Track(ctx context.Context, targets []string) error
	BuildStarted(target string, files []string)
	BuildFinished(target string, duration time.Duration, err error)
	Release() error
}
