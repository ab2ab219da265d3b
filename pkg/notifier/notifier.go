// Package notifier sends desktop notifications for watch-mode recompiles
package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/poltergeist/revenant/pkg/logger"
	"github.com/poltergeist/revenant/pkg/types"
)

// SendFunc delivers a single desktop notification
type SendFunc func(title, message string) error

// BuildNotifier reports recompile results on the desktop
type BuildNotifier struct {
	enabled     bool
	failureOnly bool
	send        SendFunc
	logger      logger.Logger
}

// Option customizes a BuildNotifier
type Option func(*BuildNotifier)

// WithSender replaces beeep as the notification transport
func WithSender(send SendFunc) Option {
	return func(n *BuildNotifier) {
		n.send = send
	}
}

// New creates a new build notifier
func New(config types.NotificationConfig, log logger.Logger, opts ...Option) *BuildNotifier {
	if log == nil {
		log = logger.Nop()
	}
	n := &BuildNotifier{
		enabled:     config.Enabled,
		failureOnly: config.FailureOnly,
		send:        beepNotify,
		logger:      log,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func beepNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// NotifyBuildSuccess notifies that a recompile succeeded
func (n *BuildNotifier) NotifyBuildSuccess(target string, duration time.Duration) {
	if !n.enabled || n.failureOnly {
		return
	}
	n.sendNotification("✅ Build Succeeded", fmt.Sprintf("%s built in %s", target, formatDuration(duration)))
}

// NotifyBuildFailure notifies that a recompile failed. Only the first line of
// the error is shown; compiler diagnostics go to the log.
func (n *BuildNotifier) NotifyBuildFailure(target string, err error) {
	if !n.enabled {
		return
	}
	message := target + " failed"
	if err != nil {
		first, _, _ := strings.Cut(err.Error(), "\n")
		message = fmt.Sprintf("%s: %s", target, first)
	}
	n.sendNotification("❌ Build Failed", message)
}

func (n *BuildNotifier) sendNotification(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithField("error", err))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
