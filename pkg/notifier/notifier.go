// Package notifier sends desktop notifications about deployment runs
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rtfleet/rtdeploy/pkg/logger"
)

// SendFunc delivers a notification
type SendFunc func(title, message string) error

// RunNotifier reports run outcomes. It is a no-op when disabled.
type RunNotifier struct {
	enabled bool
	send    SendFunc
	logger  logger.Logger
}

// Config represents notification configuration
type Config struct {
	Enabled bool
}

// New creates a notifier that uses the system notification service
func New(config Config, log logger.Logger) *RunNotifier {
	return NewWithSender(config, log, func(title, message string) error {
		return beeep.Notify(title, message, "")
	})
}

// NewWithSender creates a notifier with a custom delivery function
func NewWithSender(config Config, log logger.Logger, send SendFunc) *RunNotifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &RunNotifier{enabled: config.Enabled, send: send, logger: log}
}

// NotifyRunComplete summarizes a finished run
func (n *RunNotifier) NotifyRunComplete(schedule string, deployed, failed, skipped int, duration time.Duration) {
	if !n.enabled {
		return
	}

	title := "✅ Deployment complete"
	if failed > 0 || skipped > 0 {
		title = "⚠️ Deployment finished with failures"
	}
	message := fmt.Sprintf("%s: %d deployed, %d failed, %d skipped in %s",
		schedule, deployed, failed, skipped, formatDuration(duration))

	n.deliver(title, message)
}

// NotifyRunFailure reports a run that aborted before deploying
func (n *RunNotifier) NotifyRunFailure(err error) {
	if !n.enabled {
		return
	}
	n.deliver("❌ Deployment aborted", err.Error())
}

func (n *RunNotifier) deliver(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
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
