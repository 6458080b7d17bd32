// Package state persists the deployed schedule and per-task deployment
// records for inspection by operators and the execution manager.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/types"
)

// ErrScheduleNotFound is returned by LoadSchedule when nothing was persisted yet
var ErrScheduleNotFound = errors.New("schedule not found")

// StateStoreError reports a failed read or write against the state store
type StateStoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StateStoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("state store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StateStoreError) Unwrap() error { return e.Err }

// Snapshot is a schedule as read back from the store
type Snapshot struct {
	Schedule  *types.Schedule
	Revision  string
	UpdatedAt time.Time
}

// Store persists schedules and deployment records
type Store interface {
	// SaveSchedule replaces the persisted schedule projection
	SaveSchedule(ctx context.Context, s *types.Schedule, revision string) error
	// LoadSchedule reads the projection back in deployment order
	LoadSchedule(ctx context.Context) (*Snapshot, error)
	SaveDeployment(ctx context.Context, d types.Deployment) error
	// LoadDeployments returns the records that exist for the given tasks, in order
	LoadDeployments(ctx context.Context, names []string) ([]types.Deployment, error)
	Ping(ctx context.Context) error
	Close() error
}

// Waiter is implemented by stores that can block until a schedule exists
type Waiter interface {
	WaitForSchedule(ctx context.Context, poll time.Duration) error
}
