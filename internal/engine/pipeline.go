package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/builders"
	"github.com/rtfleet/rtdeploy/pkg/container"
	rtcontext "github.com/rtfleet/rtdeploy/pkg/context"
	"github.com/rtfleet/rtdeploy/pkg/fetch"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/manifest"
	"github.com/rtfleet/rtdeploy/pkg/materialize"
	"github.com/rtfleet/rtdeploy/pkg/metrics"
	"github.com/rtfleet/rtdeploy/pkg/state"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// ErrTasksFailed is returned in strict mode when any task was not deployed
var ErrTasksFailed = errors.New("one or more tasks were not deployed")

// Dependencies are the collaborators of a pipeline. Metrics, Notifier and
// Lock are optional.
type Dependencies struct {
	Fetcher  fetch.Fetcher
	Preparer materialize.Preparer
	Builder  builders.Builder
	Launcher Launcher
	Store    state.Store
	Metrics  *metrics.Pipeline
	Notifier Notifier
	Lock     Locker
}

// Report is the outcome of one pipeline run
type Report struct {
	RunID    string
	Revision string
	// Schedule lists the tasks in the order they were deployed
	Schedule    *types.Schedule
	Deployments []types.Deployment
	StartedAt   time.Time
	Duration    time.Duration
}

// Counts returns the number of deployed, failed and skipped tasks
func (r *Report) Counts() (deployed, failed, skipped int) {
	for _, d := range r.Deployments {
		switch d.Status {
		case types.DeployStatusDeployed:
			deployed++
		case types.DeployStatusFailed:
			failed++
		case types.DeployStatusSkipped:
			skipped++
		}
	}
	return deployed, failed, skipped
}

// Deployment returns the record of one task
func (r *Report) Deployment(name string) (types.Deployment, bool) {
	for _, d := range r.Deployments {
		if d.Task == name {
			return d, true
		}
	}
	return types.Deployment{}, false
}

// Pipeline sequences fetch, parse, per-task materialize/build/run and
// state persistence. A failed fetch or parse aborts the run before any
// side effect; a failed task never stops the remaining tasks.
type Pipeline struct {
	config *types.AppConfig
	deps   Dependencies
	logger logger.Logger
}

// NewPipeline creates a pipeline. Fetcher, Preparer, Builder, Launcher and
// Store are required.
func NewPipeline(cfg *types.AppConfig, deps Dependencies, log logger.Logger) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher dependency is required")
	case deps.Preparer == nil:
		return nil, fmt.Errorf("preparer dependency is required")
	case deps.Builder == nil:
		return nil, fmt.Errorf("builder dependency is required")
	case deps.Launcher == nil:
		return nil, fmt.Errorf("launcher dependency is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store dependency is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Pipeline{config: cfg, deps: deps, logger: log}, nil
}

// Run performs one deployment. The returned report is nil only when the
// run aborted before deploying anything.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	ctx = rtcontext.EnrichContext(ctx)
	runID := rtcontext.GetRunID(ctx)
	started, _ := rtcontext.GetStartTime(ctx)
	log := logger.WithContext(ctx, p.logger)

	if p.deps.Lock != nil {
		if err := p.deps.Lock.Acquire(ctx, runID); err != nil {
			return nil, p.abort(log, fmt.Errorf("failed to acquire run lock: %w", err))
		}
		defer func() {
			if err := p.deps.Lock.Release(); err != nil {
				log.Warn("Failed to release run lock", logger.WithError(err))
			}
		}()
	}

	log.Info("Starting deployment run")

	revision, schedule, err := p.load(ctx)
	if err != nil {
		return nil, p.abort(log, err)
	}

	graph, err := manifest.BuildGraph(schedule)
	if err != nil {
		return nil, p.abort(log, err)
	}

	ordered := &types.Schedule{
		Name:        schedule.Name,
		Version:     schedule.Version,
		Description: schedule.Description,
		Tasks:       schedule.Tasks,
	}
	if p.config.Deploy.Order != types.OrderManifest {
		ordered.Tasks = graph.Order()
	}
	p.deps.Metrics.SetScheduleTasks(len(ordered.Tasks))

	log.Info("Deploying schedule",
		logger.WithField("schedule", ordered.Name),
		logger.WithField("version", ordered.Version),
		logger.WithField("tasks", len(ordered.Tasks)),
		logger.WithField("revision", shortRevision(revision)))

	p.checkStore(ctx, log)

	report := &Report{
		RunID:     runID,
		Revision:  revision,
		Schedule:  ordered,
		StartedAt: started,
	}

	records := newRecordSet()
	if p.config.Deploy.Parallelism > 1 {
		p.deployLevels(ctx, graph, ordered.Name, records)
	} else {
		for _, task := range ordered.Tasks {
			p.deployOne(ctx, task, graph.Dependencies(task.Name), ordered.Name, records)
		}
	}
	for _, task := range ordered.Tasks {
		if d, ok := records.get(task.Name); ok {
			report.Deployments = append(report.Deployments, d)
		}
	}
	report.Duration = rtcontext.GetDuration(ctx)

	// Persist even after cancellation so skipped tasks are visible.
	persistErr := p.persist(context.WithoutCancel(ctx), report)

	deployed, failed, skipped := report.Counts()
	outcome := metrics.RunSucceeded
	switch {
	case ctx.Err() != nil:
		outcome = metrics.RunAborted
	case failed > 0 || skipped > 0:
		outcome = metrics.RunPartial
	}
	p.deps.Metrics.RunOutcome(outcome)

	summary := []logger.Field{
		logger.WithField("deployed", deployed),
		logger.WithField("failed", failed),
		logger.WithField("skipped", skipped),
		logger.WithField("duration", report.Duration.Round(time.Millisecond).String()),
	}
	switch {
	case deployed == 0 && len(ordered.Tasks) > 0:
		log.Error("Deployment run finished without deploying any task", summary...)
	case failed > 0 || skipped > 0:
		log.Warn("Deployment run finished with failures", summary...)
	default:
		log.Success("Deployment run complete", summary...)
	}
	if p.deps.Notifier != nil {
		p.deps.Notifier.NotifyRunComplete(ordered.Name, deployed, failed, skipped, report.Duration)
	}

	switch {
	case persistErr != nil:
		return report, persistErr
	case ctx.Err() != nil:
		return report, fmt.Errorf("deployment run cancelled: %w", ctx.Err())
	case p.config.Deploy.Strict && (failed > 0 || skipped > 0):
		return report, fmt.Errorf("%w: %d failed, %d skipped", ErrTasksFailed, failed, skipped)
	}
	return report, nil
}

// checkStore warns early when the state store is unreachable. Deployment
// goes ahead regardless; persisting the report will then fail.
func (p *Pipeline) checkStore(ctx context.Context, log logger.Logger) {
	pingCtx, cancel := context.WithTimeout(ctx, p.config.Timeouts.State)
	defer cancel()
	if err := p.deps.Store.Ping(pingCtx); err != nil {
		log.Warn("State store unreachable, deploying anyway", logger.WithError(err))
	}
}

// load fetches the specification repository and parses its manifest
func (p *Pipeline) load(ctx context.Context) (string, *types.Schedule, error) {
	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(rtcontext.WithStage(ctx, string(types.StageFetch)), p.config.Timeouts.Fetch)
	revision, err := p.deps.Fetcher.Fetch(fetchCtx)
	cancel()
	p.deps.Metrics.ObserveStage(string(types.StageFetch), time.Since(start))
	if err != nil {
		return "", nil, err
	}

	start = time.Now()
	path := filepath.Join(p.deps.Fetcher.Path(), p.config.Repository.Manifest)
	schedule, err := manifest.ParseFile(path)
	p.deps.Metrics.ObserveStage(string(types.StageParse), time.Since(start))
	if err != nil {
		return "", nil, err
	}
	return revision, schedule, nil
}

// deployLevels deploys each dependency level concurrently, one level at a
// time, so a task never starts before its dependencies have finished.
func (p *Pipeline) deployLevels(ctx context.Context, graph *manifest.Graph, schedule string, records *recordSet) {
	for _, level := range graph.Levels() {
		group, _ := NewSafeGroup(ctx, p.logger)
		group.SetLimit(p.config.Deploy.Parallelism)
		for _, task := range level {
			group.Go(func() error {
				p.deployOne(ctx, task, graph.Dependencies(task.Name), schedule, records)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			p.logger.Error("Dependency level did not complete cleanly", logger.WithError(err))
		}
		// A recovered panic leaves no record; report those tasks as failed.
		for _, task := range level {
			if _, ok := records.get(task.Name); !ok {
				records.put(types.Deployment{
					Task:      task.Name,
					Status:    types.DeployStatusFailed,
					Error:     "task deployment panicked",
					RunID:     rtcontext.GetRunID(ctx),
					Timestamp: time.Now(),
				})
				p.deps.Metrics.TaskOutcome(string(types.DeployStatusFailed))
			}
		}
	}
}

// deployOne runs materialize, build and run for one task and records the
// outcome. It logs exactly one error line when the task fails.
func (p *Pipeline) deployOne(ctx context.Context, task types.Task, deps []string, schedule string, records *recordSet) {
	ctx = rtcontext.WithTask(ctx, task.Name)
	log := logger.WithContext(ctx, p.logger.WithTask(task.Name))
	start := time.Now()

	record := types.Deployment{
		Task:  task.Name,
		Image: p.config.Build.ImageTag(task.Name),
		RunID: rtcontext.GetRunID(ctx),
	}
	for _, dep := range deps {
		if d, ok := records.get(dep); ok && d.Status != types.DeployStatusDeployed {
			record.FailedDeps = append(record.FailedDeps, dep)
		}
	}

	finish := func(status types.DeployStatus) {
		record.Status = status
		record.Duration = time.Since(start)
		record.Timestamp = time.Now()
		records.put(record)
		p.deps.Metrics.TaskOutcome(string(status))
	}

	if err := ctx.Err(); err != nil {
		record.Error = err.Error()
		log.Warn("Skipping task, run was cancelled")
		finish(types.DeployStatusSkipped)
		return
	}

	if len(record.FailedDeps) > 0 {
		log.Warn("Deploying task although dependencies failed",
			logger.WithField("failed_deps", record.FailedDeps))
	}

	containerID, stage, err := p.deployStages(ctx, task, record.Image, schedule)
	if err != nil {
		record.Stage = stage
		record.Error = err.Error()
		p.deps.Metrics.StageFailed(string(stage))
		status := types.DeployStatusFailed
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			status = types.DeployStatusSkipped
		}
		log.Error("Task deployment failed",
			logger.WithField("stage", string(stage)),
			logger.WithError(err))
		finish(status)
		return
	}

	record.Stage = types.StageRun
	record.ContainerID = containerID
	finish(types.DeployStatusDeployed)
}

func (p *Pipeline) deployStages(ctx context.Context, task types.Task, image, schedule string) (string, types.Stage, error) {
	start := time.Now()
	ws, err := p.deps.Preparer.Materialize(rtcontext.WithStage(ctx, string(types.StageMaterialize)), p.deps.Fetcher.Path(), task)
	p.deps.Metrics.ObserveStage(string(types.StageMaterialize), time.Since(start))
	if err != nil {
		return "", types.StageMaterialize, err
	}
	defer func() {
		if err := ws.Cleanup(); err != nil {
			p.logger.WithTask(task.Name).Warn("Failed to remove workspace",
				logger.WithField("dir", ws.Dir), logger.WithError(err))
		}
	}()

	start = time.Now()
	buildCtx, cancel := context.WithTimeout(rtcontext.WithStage(ctx, string(types.StageBuild)), p.config.Timeouts.Build)
	err = p.deps.Builder.Build(buildCtx, builders.BuildRequest{
		Task:       task.Name,
		ContextDir: ws.Dir,
		Tag:        image,
		BuildArgs: map[string]string{
			"TASK_QUEUE_PREFIX": p.config.Build.QueuePrefix,
			"TASK_NAME":         task.Name,
		},
	})
	cancel()
	p.deps.Metrics.ObserveStage(string(types.StageBuild), time.Since(start))
	if err != nil {
		return "", types.StageBuild, err
	}

	start = time.Now()
	runCtx, cancel := context.WithTimeout(rtcontext.WithStage(ctx, string(types.StageRun)), p.config.Timeouts.Run)
	defer cancel()
	id, err := p.deps.Launcher.Launch(runCtx, container.LaunchRequest{
		Task:     task,
		Image:    image,
		Schedule: schedule,
		RunID:    rtcontext.GetRunID(ctx),
	})
	p.deps.Metrics.ObserveStage(string(types.StageRun), time.Since(start))
	if err != nil {
		return "", types.StageRun, err
	}
	return id, "", nil
}

// persist writes the schedule projection and the deployment records. Only
// a failed schedule write is returned; record writes are best effort.
func (p *Pipeline) persist(ctx context.Context, report *Report) error {
	log := logger.WithContext(ctx, p.logger)
	start := time.Now()
	defer func() {
		p.deps.Metrics.ObserveStage(string(types.StagePersist), time.Since(start))
	}()

	saveCtx, cancel := context.WithTimeout(ctx, p.config.Timeouts.State)
	defer cancel()

	if err := p.deps.Store.SaveSchedule(saveCtx, report.Schedule, report.Revision); err != nil {
		log.Error("Failed to persist schedule state, deployed containers are kept",
			logger.WithError(err))
		return err
	}

	for _, d := range report.Deployments {
		if err := p.deps.Store.SaveDeployment(saveCtx, d); err != nil {
			log.Warn("Failed to persist deployment record",
				logger.WithField("task", d.Task), logger.WithError(err))
		}
	}

	log.Debug("Schedule state persisted", logger.WithField("tasks", len(report.Schedule.Tasks)))
	return nil
}

// abort reports a run that failed before deploying any task
func (p *Pipeline) abort(log logger.Logger, err error) error {
	log.Error("Deployment run aborted", logger.WithError(err))
	p.deps.Metrics.RunOutcome(metrics.RunAborted)
	if p.deps.Notifier != nil {
		p.deps.Notifier.NotifyRunFailure(err)
	}
	return err
}

func shortRevision(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// recordSet collects deployment records from concurrent task deployments
type recordSet struct {
	mu      sync.RWMutex
	records map[string]types.Deployment
}

func newRecordSet() *recordSet {
	return &recordSet{records: make(map[string]types.Deployment)}
}

func (s *recordSet) put(d types.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[d.Task] = d
}

func (s *recordSet) get(name string) (types.Deployment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.records[name]
	return d, ok
}
