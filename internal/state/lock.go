// Package state guards a deployment run against concurrent rtdeploy processes
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/process"
)

const (
	heartbeatInterval = 10 * time.Second
	staleAfter        = 30 * time.Second
)

// ErrLocked is returned when another live process holds the run lock
var ErrLocked = errors.New("another deployment run is in progress")

// LockState is the content of the lock file
type LockState struct {
	RunID     string    `json:"runId"`
	ProcessID int       `json:"processId"`
	StartedAt time.Time `json:"startedAt"`
	Heartbeat time.Time `json:"heartbeat"`
}

// RunLock is a heartbeat-refreshed lock file. A lock whose owner process
// is gone or whose heartbeat is older than 30s is considered stale and is
// taken over.
type RunLock struct {
	path   string
	logger logger.Logger

	mu    sync.Mutex
	state *LockState
	stop  chan struct{}
	done  chan struct{}
}

// NewRunLock creates a lock backed by the given file path
func NewRunLock(path string, log logger.Logger) *RunLock {
	if log == nil {
		log = logger.NewNop()
	}
	return &RunLock{path: path, logger: log}
}

// Path returns the lock file location
func (l *RunLock) Path() string {
	return l.path
}

// Acquire takes the lock for runID and starts refreshing its heartbeat
// until Release is called or ctx ends.
func (l *RunLock) Acquire(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != nil {
		return fmt.Errorf("run lock already held by %s", l.state.RunID)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	// acquirers take the guard so the holder check and the create are atomic
	guard := flock.New(l.path + ".guard")
	locked, err := guard.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", guard.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s is locked", ErrLocked, guard.Path())
	}
	defer guard.Unlock()

	now := time.Now()
	st := &LockState{RunID: runID, ProcessID: os.Getpid(), StartedAt: now, Heartbeat: now}
	err = l.create(st)
	if errors.Is(err, os.ErrExist) {
		holder, herr := l.Holder()
		if herr != nil {
			return herr
		}
		if holder != nil {
			return fmt.Errorf("%w: run %s (pid %d)", ErrLocked, holder.RunID, holder.ProcessID)
		}
		l.logger.Debug("Taking over stale run lock", logger.WithField("path", l.path))
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock file: %w", err)
		}
		err = l.create(st)
	}
	if err != nil {
		return err
	}
	l.state = st

	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.heartbeat(ctx, l.stop, l.done)
	return nil
}

// Release stops the heartbeat and removes the lock file
func (l *RunLock) Release() error {
	l.mu.Lock()
	if l.state == nil {
		l.mu.Unlock()
		return nil
	}
	stop, done := l.stop, l.done
	l.state = nil
	l.mu.Unlock()

	close(stop)
	<-done

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// Holder returns the live owner of the lock, or nil if the lock is free
// or stale.
func (l *RunLock) Holder() (*LockState, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var st LockState
	if err := json.Unmarshal(data, &st); err != nil {
		l.logger.Warn("Ignoring corrupt lock file", logger.WithField("path", l.path))
		return nil, nil
	}

	if time.Since(st.Heartbeat) > staleAfter || !process.Alive(st.ProcessID) {
		return nil, nil
	}
	return &st, nil
}

func (l *RunLock) heartbeat(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.state != nil {
				l.state.Heartbeat = time.Now()
				if err := l.write(l.state); err != nil {
					l.logger.Debug("Failed to update heartbeat", logger.WithError(err))
				}
			}
			l.mu.Unlock()
		}
	}
}

// create writes the lock file only if it does not exist yet
func (l *RunLock) create(st *LockState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock state: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return f.Close()
}

func (l *RunLock) write(st *LockState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock state: %w", err)
	}

	tempFile := l.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tempFile, l.path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename lock file: %w", err)
	}
	return nil
}
