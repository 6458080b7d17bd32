package engine

import (
	"context"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/container"
)

// Launcher starts the container of a task, replacing any previous one.
// container.Launcher is the production implementation.
type Launcher interface {
	Launch(ctx context.Context, req container.LaunchRequest) (string, error)
}

// Notifier reports run outcomes to the operator
type Notifier interface {
	NotifyRunComplete(schedule string, deployed, failed, skipped int, duration time.Duration)
	NotifyRunFailure(err error)
}

// Locker serializes pipeline runs sharing one build context
type Locker interface {
	Acquire(ctx context.Context, runID string) error
	Release() error
}
