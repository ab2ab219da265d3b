// Package watcher reports settled source changes using fsnotify
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// DefaultSettlingDelay is used when a non-positive delay is configured
const DefaultSettlingDelay = 100 * time.Millisecond

var skippedDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
	"node_modules": true, ".idea": true, ".vscode": true,
}

type subscription struct {
	root     string
	match    *utils.PatternMatcher
	callback func(types.ChangeEvent)

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
}

// FSNotifier watches directory trees recursively and invokes one callback
// per subscription after events under its root have settled.
type FSNotifier struct {
	watcher  *fsnotify.Watcher
	logger   logger.Logger
	settling time.Duration

	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFSNotifier creates a notifier and starts its event loop
func NewFSNotifier(settling time.Duration, log logger.Logger) (*FSNotifier, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if settling <= 0 {
		settling = DefaultSettlingDelay
	}
	if log == nil {
		log = logger.Nop()
	}

	n := &FSNotifier{
		watcher:  w,
		logger:   log,
		settling: settling,
		done:     make(chan struct{}),
	}
	n.wg.Add(1)
	go n.processEvents()
	return n, nil
}

// Subscribe watches root recursively. callback receives the files under root
// that match patterns; an empty pattern list matches every file.
func (n *FSNotifier) Subscribe(root string, patterns []string, callback func(types.ChangeEvent)) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	var match *utils.PatternMatcher
	if len(patterns) > 0 {
		match, err = utils.NewPatternMatcher(patterns)
		if err != nil {
			return err
		}
	}

	if !utils.DirectoryExists(abs) {
		return fmt.Errorf("watch root %s is not a directory", abs)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("notifier is closed")
	}
	n.subs = append(n.subs, &subscription{
		root:     abs,
		match:    match,
		callback: callback,
		pending:  make(map[string]struct{}),
	})
	n.mu.Unlock()

	if err := n.addDirectory(abs); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}

	fields := []logger.Field{logger.WithField("root", abs)}
	if match != nil {
		fields = append(fields, logger.WithField("patterns", match.Patterns()))
	}
	n.logger.Debug("Watching directory", fields...)
	return nil
}

// Close stops the event loop and drops pending batches
func (n *FSNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		for _, s := range n.subs {
			s.mu.Lock()
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
		}
		n.mu.Unlock()

		close(n.done)
		err = n.watcher.Close()
		n.wg.Wait()
	})
	return err
}

// WatchList returns the directories currently registered with fsnotify
func (n *FSNotifier) WatchList() []string {
	return n.watcher.WatchList()
}

func (n *FSNotifier) addDirectory(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			n.logger.Warn("Failed to scan directory", logger.WithField("path", path), logger.WithField("error", err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := n.watcher.Add(path); err != nil {
			if path == dir {
				return err
			}
			n.logger.Warn("Failed to watch directory", logger.WithField("path", path), logger.WithField("error", err))
		}
		return nil
	})
}

func (n *FSNotifier) processEvents() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return

		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handleEvent(event)

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.logger.Error("Watcher error", logger.WithField("error", err))
		}
	}
}

func (n *FSNotifier) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	sub := n.subscriptionFor(event.Name)
	if sub == nil {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := n.addDirectory(event.Name); err != nil {
				n.logger.Warn("Failed to watch new directory",
					logger.WithField("path", event.Name),
					logger.WithField("error", err))
			}
			return
		}
	}

	rel, err := filepath.Rel(sub.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if sub.match != nil && !sub.match.Match(rel) {
		return
	}

	n.schedule(sub, rel)
}

// subscriptionFor picks the subscription with the longest root containing path.
func (n *FSNotifier) subscriptionFor(path string) *subscription {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var best *subscription
	for _, s := range n.subs {
		if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
			continue
		}
		if best == nil || len(s.root) > len(best.root) {
			best = s
		}
	}
	return best
}

// schedule adds rel to the pending batch and restarts the settling timer.
func (n *FSNotifier) schedule(sub *subscription, rel string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	sub.pending[rel] = struct{}{}
	if sub.timer != nil {
		sub.timer.Reset(n.settling)
		return
	}
	sub.timer = time.AfterFunc(n.settling, func() { n.flush(sub) })
}

func (n *FSNotifier) flush(sub *subscription) {
	sub.mu.Lock()
	files := make([]string, 0, len(sub.pending))
	for f := range sub.pending {
		files = append(files, f)
	}
	sub.pending = make(map[string]struct{})
	sub.timer = nil
	sub.mu.Unlock()

	if len(files) == 0 {
		return
	}

	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return
	}

	sort.Strings(files)
	sub.callback(types.ChangeEvent{Root: sub.root, Files: files})
}
