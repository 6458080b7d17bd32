package daemon

import "errors"

// Sentinel errors for daemon operations
var (
	// ErrDaemonNotRunning indicates the daemon is not currently running
	ErrDaemonNotRunning = errors.New("daemon is not running")

	// ErrDaemonAlreadyRunning indicates the daemon is already running
	ErrDaemonAlreadyRunning = errors.New("daemon is already running")

	// ErrDaemonStopFailed indicates the daemon did not exit in time
	ErrDaemonStopFailed = errors.New("daemon failed to stop")
)
