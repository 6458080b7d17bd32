// Package mocks provides in-memory implementations of the pipeline
// dependencies for testing.
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/builders"
	"github.com/rtfleet/rtdeploy/pkg/container"
	"github.com/rtfleet/rtdeploy/pkg/fetch"
	"github.com/rtfleet/rtdeploy/pkg/materialize"
	"github.com/rtfleet/rtdeploy/pkg/state"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// MockFetcher returns a fixed checkout path and revision
type MockFetcher struct {
	mu       sync.Mutex
	path     string
	revision string
	err      error
	calls    int
}

// NewMockFetcher creates a fetcher that reports path as the checkout
func NewMockFetcher(path, revision string) *MockFetcher {
	return &MockFetcher{path: path, revision: revision}
}

// Fetch returns the configured revision or error
func (m *MockFetcher) Fetch(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.revision, m.err
}

// Path returns the checkout directory
func (m *MockFetcher) Path() string { return m.path }

// SetRevision changes the revision reported by subsequent fetches
func (m *MockFetcher) SetRevision(rev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revision = rev
}

// SetError sets the error to return from Fetch
func (m *MockFetcher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Fetch was called
func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockPreparer hands out a workspace per task without touching the filesystem
type MockPreparer struct {
	mu       sync.Mutex
	errors   map[string]error
	prepared []string
}

// NewMockPreparer creates a new mock preparer
func NewMockPreparer() *MockPreparer {
	return &MockPreparer{errors: make(map[string]error)}
}

// Materialize records the task and returns a workspace or the injected error
func (m *MockPreparer) Materialize(ctx context.Context, specRoot string, task types.Task) (*materialize.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared = append(m.prepared, task.Name)
	if err, ok := m.errors[task.Name]; ok {
		return nil, err
	}
	return &materialize.Workspace{
		Task:      task.Name,
		Dir:       specRoot,
		EntryPath: fmt.Sprintf("%s/include/task_entry.h", specRoot),
	}, nil
}

// FailTask makes Materialize fail for one task
func (m *MockPreparer) FailTask(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[name] = err
}

// Prepared returns the tasks materialized so far, in call order
func (m *MockPreparer) Prepared() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prepared...)
}

// MockBuilder records build requests
type MockBuilder struct {
	mu       sync.Mutex
	errors   map[string]error
	requests []builders.BuildRequest
	delay    time.Duration
}

// NewMockBuilder creates a new mock builder
func NewMockBuilder() *MockBuilder {
	return &MockBuilder{errors: make(map[string]error)}
}

// Build records the request, waits for the configured delay and returns
// the injected error for the task, if any.
func (m *MockBuilder) Build(ctx context.Context, req builders.BuildRequest) error {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	err := m.errors[req.Task]
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// FailTask makes Build fail for one task
func (m *MockBuilder) FailTask(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[name] = err
}

// SetDelay makes every build take d, or until its context ends
func (m *MockBuilder) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Requests returns the build requests received so far
func (m *MockBuilder) Requests() []builders.BuildRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]builders.BuildRequest(nil), m.requests...)
}

// Built returns the task names built so far, in call order
func (m *MockBuilder) Built() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.requests))
	for i, r := range m.requests {
		names[i] = r.Task
	}
	return names
}

// MockEngine is an in-memory container engine
type MockEngine struct {
	mu         sync.Mutex
	containers map[string]*container.Info
	specs      map[string]container.RunSpec
	calls      []string
	errors     map[string]error
	nextID     int
}

// NewMockEngine creates an empty engine
func NewMockEngine() *MockEngine {
	return &MockEngine{
		containers: make(map[string]*container.Info),
		specs:      make(map[string]container.RunSpec),
		errors:     make(map[string]error),
	}
}

// Inspect looks a container up by name
func (m *MockEngine) Inspect(ctx context.Context, name string) (*container.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "inspect "+name)
	if err := m.errors["inspect"]; err != nil {
		return nil, err
	}
	info, ok := m.containers[name]
	if !ok {
		return nil, container.ErrContainerNotFound
	}
	copied := *info
	return &copied, nil
}

// Stop marks a container as exited
func (m *MockEngine) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "stop "+id)
	if err := m.errors["stop"]; err != nil {
		return err
	}
	info := m.byID(id)
	if info == nil {
		return fmt.Errorf("no such container: %s", id)
	}
	info.Running = false
	info.State = "exited"
	return nil
}

// Remove deletes a container, refusing running ones
func (m *MockEngine) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "rm "+id)
	if err := m.errors["remove"]; err != nil {
		return err
	}
	info := m.byID(id)
	if info == nil {
		return fmt.Errorf("no such container: %s", id)
	}
	if info.Running {
		return errors.New("cannot remove a running container")
	}
	delete(m.containers, info.Name)
	delete(m.specs, info.Name)
	return nil
}

// Run starts a container, failing on a name conflict like a real engine
func (m *MockEngine) Run(ctx context.Context, spec container.RunSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "run "+spec.Name)
	if err := m.errors["run"]; err != nil {
		return "", err
	}
	if _, exists := m.containers[spec.Name]; exists {
		return "", fmt.Errorf("container name %q is already in use", spec.Name)
	}
	m.nextID++
	id := fmt.Sprintf("c%011d", m.nextID)
	m.containers[spec.Name] = &container.Info{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		State:   "running",
		Running: true,
	}
	m.specs[spec.Name] = spec
	return id, nil
}

// Seed adds an existing container, as left behind by an earlier run
func (m *MockEngine) Seed(name, image string, running bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("old%09d", m.nextID)
	st := "exited"
	if running {
		st = "running"
	}
	m.containers[name] = &container.Info{ID: id, Name: name, Image: image, State: st, Running: running}
	return id
}

// SetError makes one operation (inspect, stop, remove, run) fail
func (m *MockEngine) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[op] = err
}

// Containers returns the number of containers known to the engine
func (m *MockEngine) Containers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.containers)
}

// Spec returns the spec the named container was started with
func (m *MockEngine) Spec(name string) (container.RunSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[name]
	return spec, ok
}

// Calls returns the operations performed, in order
func (m *MockEngine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockEngine) byID(id string) *container.Info {
	for _, info := range m.containers {
		if info.ID == id {
			return info
		}
	}
	return nil
}

// MockStore keeps schedules and deployment records in memory
type MockStore struct {
	mu          sync.Mutex
	snapshot    *state.Snapshot
	deployments map[string]types.Deployment
	saves       int
	saveErr     error
	recordErr   error
	pingErr     error
}

// NewMockStore creates an empty store
func NewMockStore() *MockStore {
	return &MockStore{deployments: make(map[string]types.Deployment)}
}

// SaveSchedule replaces the stored schedule
func (m *MockStore) SaveSchedule(ctx context.Context, s *types.Schedule, revision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return &state.StateStoreError{Op: "save", Key: state.ScheduleKey, Err: m.saveErr}
	}
	m.saves++
	m.snapshot = &state.Snapshot{Schedule: s, Revision: revision, UpdatedAt: time.Now()}
	return nil
}

// LoadSchedule returns the stored schedule
func (m *MockStore) LoadSchedule(ctx context.Context) (*state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot == nil {
		return nil, state.ErrScheduleNotFound
	}
	return m.snapshot, nil
}

// SaveDeployment stores a deployment record
func (m *MockStore) SaveDeployment(ctx context.Context, d types.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return &state.StateStoreError{Op: "save", Key: state.DeploymentKey(d.Task), Err: m.recordErr}
	}
	m.deployments[d.Task] = d
	return nil
}

// LoadDeployments returns the stored records for names, in order
func (m *MockStore) LoadDeployments(ctx context.Context, names []string) ([]types.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Deployment
	for _, name := range names {
		if d, ok := m.deployments[name]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// Ping returns the injected ping error
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// Close is a no-op
func (m *MockStore) Close() error { return nil }

// SetSaveError makes SaveSchedule fail
func (m *MockStore) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// SetRecordError makes SaveDeployment fail
func (m *MockStore) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordErr = err
}

// SetPingError makes Ping fail
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Saves returns how many schedules were saved
func (m *MockStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Deployment returns the stored record for a task
func (m *MockStore) Deployment(name string) (types.Deployment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[name]
	return d, ok
}

var (
	_ fetch.Fetcher        = (*MockFetcher)(nil)
	_ materialize.Preparer = (*MockPreparer)(nil)
	_ builders.Builder     = (*MockBuilder)(nil)
	_ container.Engine     = (*MockEngine)(nil)
	_ state.Store          = (*MockStore)(nil)
)
