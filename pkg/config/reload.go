package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
)

// ReloadCallback is called when the configuration file changes. Exactly one
// of config and err is non-nil.
type ReloadCallback func(config *types.BuildConfig, err error)

// ReloadManager watches a configuration file and reloads it on change
type ReloadManager struct {
	configPath     string
	logger         logger.Logger
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	lastModTime    time.Time
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	isWatching     bool
	done           chan struct{}
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

// NewReloadManager creates a new configuration reload manager
func NewReloadManager(configPath string, log logger.Logger) *ReloadManager {
	if log == nil {
		log = logger.Nop()
	}
	return &ReloadManager{
		configPath:     configPath,
		logger:         log,
		debouncePeriod: 500 * time.Millisecond,
	}
}

// AddCallback adds a reload callback
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// SetDebouncePeriod sets the debounce period for file change events
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debouncePeriod = period
}

// StartWatching begins watching the configuration file for changes. The
// directory is watched so editors that replace the file are noticed.
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isWatching {
		return fmt.Errorf("already watching configuration file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(rm.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	if stat, err := os.Stat(rm.configPath); err == nil {
		rm.lastModTime = stat.ModTime()
	}

	rm.watcher = watcher
	rm.done = make(chan struct{})
	rm.isWatching = true

	rm.wg.Add(1)
	go rm.watchLoop(watcher, rm.done)

	rm.logger.Debug("Started watching configuration file", logger.WithField("path", rm.configPath))
	return nil
}

// StopWatching stops watching the configuration file
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	if !rm.isWatching {
		rm.mu.Unlock()
		return nil
	}
	rm.isWatching = false
	close(rm.done)
	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
		rm.debounceTimer = nil
	}
	watcher := rm.watcher
	rm.watcher = nil
	rm.mu.Unlock()

	err := watcher.Close()
	rm.wg.Wait()
	return err
}

// IsWatching returns whether the manager is currently watching
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.isWatching
}

// TriggerReload reloads the configuration immediately
func (rm *ReloadManager) TriggerReload() {
	rm.handleConfigChange(true)
}

func (rm *ReloadManager) watchLoop(watcher *fsnotify.Watcher, done <-chan struct{}) {
	defer rm.wg.Done()
	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(rm.configPath) || event.Op == fsnotify.Chmod {
				continue
			}
			rm.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Error("Configuration file watcher error", logger.WithField("error", err))
		}
	}
}

func (rm *ReloadManager) debounceReload() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.isWatching {
		return
	}
	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
	}
	rm.debounceTimer = time.AfterFunc(rm.debouncePeriod, func() {
		rm.handleConfigChange(false)
	})
}

// handleConfigChange reloads the file. Unless forced, a file whose
// modification time has not advanced is ignored.
func (rm *ReloadManager) handleConfigChange(force bool) {
	stat, err := os.Stat(rm.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("configuration file was removed: %s", rm.configPath)
		}
		rm.notifyCallbacks(nil, err)
		return
	}

	rm.mu.Lock()
	if !force && !stat.ModTime().After(rm.lastModTime) {
		rm.mu.Unlock()
		return
	}
	rm.lastModTime = stat.ModTime()
	rm.mu.Unlock()

	config, err := NewManager().LoadConfig(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to reload configuration", logger.WithField("error", err))
		rm.notifyCallbacks(nil, err)
		return
	}

	rm.logger.Info("Configuration reloaded", logger.WithField("path", rm.configPath))
	rm.notifyCallbacks(config, nil)
}

func (rm *ReloadManager) notifyCallbacks(config *types.BuildConfig, err error) {
	rm.mu.RLock()
	callbacks := make([]ReloadCallback, len(rm.callbacks))
	copy(callbacks, rm.callbacks)
	rm.mu.RUnlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(config, err)
		}()
	}
}
