// Package state persists the status of watch targets so other processes can
// report on a running watcher.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
	"github.com/poltergeist/revenant/pkg/utils"
)

// DirName is the state directory, relative to the project root
const DirName = ".revenant/state"

// HeartbeatInterval is how often a tracking process refreshes its states
const HeartbeatInterval = 10 * time.Second

// TargetState is the persisted status of one watch target
type TargetState struct {
	Target        string            `json:"target"`
	Status        types.BuildStatus `json:"status"`
	LastBuildTime time.Time         `json:"lastBuildTime"`
	BuildCount    int               `json:"buildCount"`
	FailureCount  int               `json:"failureCount"`
	ProcessID     int               `json:"processId"`
	Heartbeat     time.Time         `json:"heartbeat"`
	LastError     string            `json:"lastError,omitempty"`
	BuildDuration time.Duration     `json:"buildDuration,omitempty"`
	ChangedFiles  []string          `json:"changedFiles,omitempty"`
}

// IsActive reports whether a watcher still owns the state at now. A state
// whose heartbeat is older than three intervals belongs to a dead process.
func (s *TargetState) IsActive(now time.Time) bool {
	return s.ProcessID != 0 && now.Sub(s.Heartbeat) < 3*HeartbeatInterval
}

// Manager reads and writes state files
type Manager struct {
	stateDir string
	logger   logger.Logger

	mu            sync.RWMutex
	states        map[string]*TargetState
	heartbeatStop chan struct{}
}

// NewManager creates a state manager for the project at root. The state
// directory is created on first write.
func NewManager(projectRoot string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		stateDir: filepath.Join(projectRoot, filepath.FromSlash(DirName)),
		logger:   log,
		states:   make(map[string]*TargetState),
	}
}

// StateDir returns the directory holding the state files
func (m *Manager) StateDir() string {
	return m.stateDir
}

// Track takes ownership of targets for this process and refreshes their
// heartbeat until ctx is done or Release is called. Build counters from a
// previous run are kept.
func (m *Manager) Track(ctx context.Context, targets []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, name := range targets {
		s := &TargetState{
			Target:    name,
			Status:    types.BuildStatusIdle,
			ProcessID: os.Getpid(),
			Heartbeat: now,
		}
		if prev, err := m.loadStateFile(name); err == nil {
			s.BuildCount = prev.BuildCount
			s.FailureCount = prev.FailureCount
			s.LastBuildTime = prev.LastBuildTime
			s.BuildDuration = prev.BuildDuration
		}
		if err := m.saveStateFile(s); err != nil {
			return fmt.Errorf("failed to save initial state: %w", err)
		}
		m.states[name] = s
	}

	if m.heartbeatStop == nil {
		m.heartbeatStop = make(chan struct{})
		go m.heartbeat(ctx, m.heartbeatStop)
	}
	return nil
}

// BuildStarted marks target as building
func (m *Manager) BuildStarted(target string, files []string) {
	m.update(target, func(s *TargetState) {
		s.Status = types.BuildStatusBuilding
		s.ChangedFiles = files
	})
}

// BuildFinished records the outcome of a build of target
func (m *Manager) BuildFinished(target string, duration time.Duration, err error) {
	m.update(target, func(s *TargetState) {
		s.LastBuildTime = time.Now()
		s.BuildDuration = duration
		if err != nil {
			s.Status = types.BuildStatusFailed
			s.FailureCount++
			s.LastError = firstLine(err.Error())
			return
		}
		s.Status = types.BuildStatusSucceeded
		s.BuildCount++
		s.LastError = ""
	})
}

// Release stops the heartbeat and marks every tracked target unowned. The
// last build result is kept so it can be reported after the watcher exits;
// a build interrupted by the release is marked idle.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}

	var failed []string
	for _, s := range m.states {
		if s.Status == types.BuildStatusBuilding {
			s.Status = types.BuildStatusIdle
		}
		s.ProcessID = 0
		if err := m.saveStateFile(s); err != nil {
			failed = append(failed, s.Target)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to save final state for %s", strings.Join(failed, ", "))
	}
	return nil
}

// ReadState reads the state for a target
func (m *Manager) ReadState(target string) (*TargetState, error) {
	m.mu.RLock()
	if s, ok := m.states[target]; ok {
		cp := *s
		m.mu.RUnlock()
		return &cp, nil
	}
	m.mu.RUnlock()

	return m.loadStateFile(target)
}

// DiscoverStates loads every state file, sorted by target name
func (m *Manager) DiscoverStates() ([]*TargetState, error) {
	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var states []*TargetState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		target := strings.TrimSuffix(name, ".json")
		s, err := m.loadStateFile(target)
		if err != nil {
			m.logger.Warn("Failed to load state file",
				logger.WithField("target", target),
				logger.WithField("error", err))
			continue
		}
		states = append(states, s)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Target < states[j].Target })
	return states, nil
}

// RemoveState removes the state for a target
func (m *Manager) RemoveState(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, target)
	if err := os.Remove(m.stateFilePath(target)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

func (m *Manager) update(target string, apply func(*TargetState)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[target]
	if !ok {
		s = &TargetState{Target: target, ProcessID: os.Getpid()}
		m.states[target] = s
	}
	apply(s)
	s.Heartbeat = time.Now()

	if err := m.saveStateFile(s); err != nil {
		m.logger.Warn("Failed to save state",
			logger.WithField("target", target),
			logger.WithField("error", err))
	}
}

func (m *Manager) heartbeat(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for _, s := range m.states {
				s.Heartbeat = now
				if err := m.saveStateFile(s); err != nil {
					m.logger.Debug("Failed to update heartbeat",
						logger.WithField("target", s.Target),
						logger.WithField("error", err))
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) stateFilePath(target string) string {
	return filepath.Join(m.stateDir, target+".json")
}

func (m *Manager) loadStateFile(target string) (*TargetState, error) {
	data, err := os.ReadFile(m.stateFilePath(target))
	if err != nil {
		return nil, err
	}

	var s TargetState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &s, nil
}

func (m *Manager) saveStateFile(s *TargetState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return utils.WriteFileAtomic(m.stateFilePath(s.Target), data, 0o644)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
