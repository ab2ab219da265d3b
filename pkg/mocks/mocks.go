// Package mocks provides hand-written test doubles for the engine's
// collaborators.
package mocks

import (
	"sync"
	"time"

	"github.com/poltergeist/revenant/pkg/types"
)

// MockFileChangeNotifier records subscriptions and lets tests fire change
// events synchronously.
type MockFileChangeNotifier struct {
	mu             sync.RWMutex
	subscriptions  map[string]func(types.ChangeEvent)
	patterns       map[string][]string
	subscribeError error
	closed         bool
	subscribed     chan string
}

// NewMockFileChangeNotifier creates a new mock notifier
func NewMockFileChangeNotifier() *MockFileChangeNotifier {
	return &MockFileChangeNotifier{
		subscriptions: make(map[string]func(types.ChangeEvent)),
		patterns:      make(map[string][]string),
		subscribed:    make(chan string, 16),
	}
}

// Subscribe registers callback for root
func (m *MockFileChangeNotifier) Subscribe(root string, patterns []string, callback func(types.ChangeEvent)) error {
	if m.subscribeError != nil {
		return m.subscribeError
	}

	m.mu.Lock()
	m.subscriptions[root] = callback
	m.patterns[root] = patterns
	m.mu.Unlock()

	select {
	case m.subscribed <- root:
	default:
	}
	return nil
}

// Close marks the notifier closed
func (m *MockFileChangeNotifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Trigger simulates a settled change batch under root. It reports whether a
// subscription for root existed.
func (m *MockFileChangeNotifier) Trigger(root string, files ...string) bool {
	m.mu.RLock()
	callback, ok := m.subscriptions[root]
	m.mu.RUnlock()

	if ok && callback != nil {
		callback(types.ChangeEvent{Root: root, Files: files})
	}
	return ok
}

// Subscribed receives each root as it is subscribed
func (m *MockFileChangeNotifier) Subscribed() <-chan string {
	return m.subscribed
}

// Roots returns the subscribed roots
func (m *MockFileChangeNotifier) Roots() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roots := make([]string, 0, len(m.subscriptions))
	for root := range m.subscriptions {
		roots = append(roots, root)
	}
	return roots
}

// Patterns returns the patterns registered for root
func (m *MockFileChangeNotifier) Patterns(root string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.patterns[root]
}

// IsClosed reports whether Close was called
func (m *MockFileChangeNotifier) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// SetSubscribeError sets the error to return from Subscribe
func (m *MockFileChangeNotifier) SetSubscribeError(err error) {
	m.subscribeError = err
}

// Notification is one recorded build notification
type Notification struct {
	Target   string
	Success  bool
	Duration time.Duration
	Err      error
}

// MockBuildNotifier records build notifications
type MockBuildNotifier struct {
	mu    sync.Mutex
	calls []Notification
}

// NewMockBuildNotifier creates a new mock build notifier
func NewMockBuildNotifier() *MockBuildNotifier {
	return &MockBuildNotifier{}
}

// NotifyBuildSuccess records a success
func (m *MockBuildNotifier) NotifyBuildSuccess(target string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Notification{Target: target, Success: true, Duration: duration})
}

// NotifyBuildFailure records a failure
func (m *MockBuildNotifier) NotifyBuildFailure(target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Notification{Target: target, Err: err})
}

// Calls returns the recorded notifications in order
func (m *MockBuildNotifier) Calls() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.calls...)
}

// Failures returns the recorded failures for target
func (m *MockBuildNotifier) Failures(target string) []Notification {
	var out []Notification
	for _, n := range m.Calls() {
		if n.Target == target && !n.Success {
			out = append(out, n)
		}
	}
	return out
}

// Successes returns the recorded successes for target
func (m *MockBuildNotifier) Successes(target string) []Notification {
	var out []Notification
	for _, n := range m.Calls() {
		if n.Target == target && n.Success {
			out = append(out, n)
		}
	}
	return out
}
