// Package daemon tracks the long-running watch process through a PID file
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/process"
)

const stopPollInterval = 100 * time.Millisecond

// Manager owns the PID file of the watch daemon
type Manager struct {
	pidFile string
	logger  logger.Logger
	claimed bool
	mu      sync.Mutex
}

// Status represents daemon status
type Status struct {
	Running   bool
	PID       int
	StartTime time.Time
}

// NewManager creates a new daemon manager
func NewManager(pidFile string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{pidFile: pidFile, logger: log}
}

// PIDFile returns the PID file location
func (m *Manager) PIDFile() string {
	return m.pidFile
}

// Claim records the current process as the daemon. A PID file left behind
// by a process that no longer exists is replaced.
func (m *Manager) Claim() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimed {
		return ErrDaemonAlreadyRunning
	}

	status, err := m.status()
	if err != nil {
		return err
	}
	if status.Running {
		return fmt.Errorf("%w: pid %d (%s)", ErrDaemonAlreadyRunning, status.PID, m.pidFile)
	}
	if status.PID != 0 {
		m.logger.Warn("Replacing stale PID file", logger.WithField("pid", status.PID))
	}

	if err := os.MkdirAll(filepath.Dir(m.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	m.claimed = true
	return nil
}

// Release removes the PID file if this process still owns it
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.claimed {
		return nil
	}
	m.claimed = false

	pid, err := m.readPIDFile()
	if err != nil || pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(m.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Status returns the daemon status. A missing PID file is reported as not
// running, not as an error.
func (m *Manager) Status() (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status()
}

// Stop asks a running daemon to shut down and waits until it has exited
func (m *Manager) Stop(ctx context.Context) error {
	status, err := m.Status()
	if err != nil {
		return err
	}
	if !status.Running {
		return ErrDaemonNotRunning
	}

	proc, err := os.FindProcess(status.PID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonStopFailed, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonStopFailed, err)
	}
	m.logger.Info("Stopping daemon...", logger.WithField("pid", status.PID))

	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for process.Alive(status.PID) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d still running: %v", ErrDaemonStopFailed, status.PID, ctx.Err())
		case <-ticker.C:
		}
	}

	m.logger.Info("Daemon stopped")
	return nil
}

// Private methods

func (m *Manager) status() (*Status, error) {
	pid, err := m.readPIDFile()
	if os.IsNotExist(err) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}

	status := &Status{PID: pid, Running: process.Alive(pid)}
	if info, err := os.Stat(m.pidFile); err == nil {
		status.StartTime = info.ModTime()
	}
	return status, nil
}

func (m *Manager) readPIDFile() (int, error) {
	data, err := os.ReadFile(m.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s: %q", m.pidFile, data)
	}
	return pid, nil
}
