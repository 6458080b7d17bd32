package container

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// Container labels set on every launched task service
const (
	LabelTask     = "rtdeploy.task"
	LabelSchedule = "rtdeploy.schedule"
	LabelRun      = "rtdeploy.run"
)

// RuntimeLaunchError reports a failed stop, remove or start of a container
type RuntimeLaunchError struct {
	Container string
	Op        string
	Err       error
}

func (e *RuntimeLaunchError) Error() string {
	return fmt.Sprintf("failed to %s container '%s': %v", e.Op, e.Container, e.Err)
}

func (e *RuntimeLaunchError) Unwrap() error { return e.Err }

// LaunchRequest identifies the task service to (re)start
type LaunchRequest struct {
	Task     types.Task
	Image    string
	Schedule string
	RunID    string
}

// Launcher guarantees exactly one container per task name, running the
// requested image with real-time grants.
type Launcher struct {
	engine  Engine
	runtime types.RuntimeConfig
	logger  logger.Logger
}

// NewLauncher creates a launcher over an engine
func NewLauncher(engine Engine, runtime types.RuntimeConfig, log logger.Logger) *Launcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Launcher{engine: engine, runtime: runtime, logger: log}
}

// Spec builds the run specification for a task. Policy and priority are
// passed through to the service, which requests its own scheduling class.
func (l *Launcher) Spec(req LaunchRequest) RunSpec {
	name := req.Task.Name
	env := map[string]string{
		"TASK_NAME":       name,
		"TASK_QUEUE_NAME": name,
		"TASK_POLICY":     string(req.Task.Policy),
		"TASK_PRIORITY":   strconv.Itoa(req.Task.Priority),
	}

	labels := map[string]string{LabelTask: name}
	if req.Schedule != "" {
		labels[LabelSchedule] = req.Schedule
	}
	if req.RunID != "" {
		labels[LabelRun] = req.RunID
	}

	rtprio := int64(l.runtime.RTPrio)
	return RunSpec{
		Name:   name,
		Image:  req.Image,
		Env:    env,
		Labels: labels,
		Ulimits: []Ulimit{
			{Name: "rtprio", Soft: rtprio, Hard: rtprio},
			{Name: "memlock", Soft: -1, Hard: -1},
		},
		CapAdd:  append([]string(nil), l.runtime.Capabilities...),
		IPCMode: l.runtime.IPCMode,
		CPUSet:  l.runtime.CPUSet,
		TTY:     true,
	}
}

// Launch stops and removes any container with the task's name, then starts
// a new one. It returns the new container ID.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (string, error) {
	name := req.Task.Name
	log := l.logger.WithTask(name)

	existing, err := l.engine.Inspect(ctx, name)
	switch {
	case errors.Is(err, ErrContainerNotFound):
		// nothing to replace
	case err != nil:
		return "", &RuntimeLaunchError{Container: name, Op: "inspect", Err: err}
	default:
		log.Info("Replacing existing container",
			logger.WithField("id", shortID(existing.ID)),
			logger.WithField("image", existing.Image))
		if existing.Running {
			if err := l.engine.Stop(ctx, existing.ID); err != nil {
				return "", &RuntimeLaunchError{Container: name, Op: "stop", Err: err}
			}
		}
		if err := l.engine.Remove(ctx, existing.ID); err != nil {
			return "", &RuntimeLaunchError{Container: name, Op: "remove", Err: err}
		}
	}

	id, err := l.engine.Run(ctx, l.Spec(req))
	if err != nil {
		return "", &RuntimeLaunchError{Container: name, Op: "start", Err: err}
	}

	log.Success("Container is running",
		logger.WithField("id", shortID(id)),
		logger.WithField("image", req.Image))
	return id, nil
}

// Inspect reports the current container of a task
func (l *Launcher) Inspect(ctx context.Context, name string) (*Info, error) {
	return l.engine.Inspect(ctx, name)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
