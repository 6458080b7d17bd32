// Package process turns OS signals into context cancellation and runs
// shutdown handlers
package process

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rtfleet/rtdeploy/pkg/logger"
)

// Manager handles process lifecycle and signals
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	signals          []os.Signal
	signaled         os.Signal
	stopOnce         sync.Once
	stopSignals      func()
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
}

// NewManager creates a manager that reacts to SIGINT, SIGTERM and SIGHUP
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		logger:  log,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP},
	}
}

// RegisterShutdownHandler adds a handler run by Stop, last registered first
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start returns a context that is cancelled on the first signal. A second
// signal exits the process immediately.
func (m *Manager) Start(ctx context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ctx
	}
	m.running = true

	ctx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, m.signals...)
	done := make(chan struct{})
	m.stopSignals = func() {
		signal.Stop(sigChan)
		close(done)
		cancel()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-done:
			return
		case sig := <-sigChan:
			m.mu.Lock()
			m.signaled = sig
			m.mu.Unlock()
			m.logger.Warn("Received signal, cancelling in-flight work",
				logger.WithField("signal", sig))
			cancel()
		}

		select {
		case <-done:
		case sig := <-sigChan:
			m.logger.Error("Received second signal, exiting",
				logger.WithField("signal", sig))
			os.Exit(130)
		}
	}()

	return ctx
}

// Stop releases signal handling and runs the shutdown handlers once
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		stopSignals := m.stopSignals
		handlers := make([]func(), len(m.shutdownHandlers))
		copy(handlers, m.shutdownHandlers)
		m.running = false
		m.mu.Unlock()

		if stopSignals != nil {
			stopSignals()
		}
		m.wg.Wait()

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
	})
}

// IsRunning checks if the manager is handling signals
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Signaled returns the signal that cancelled the context, if any
func (m *Manager) Signaled() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signaled
}

// Alive reports whether a process with pid exists. A permission error
// means the process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
