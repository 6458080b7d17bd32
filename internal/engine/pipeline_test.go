package engine_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rtfleet/rtdeploy/internal/engine"
	"github.com/rtfleet/rtdeploy/pkg/builders"
	"github.com/rtfleet/rtdeploy/pkg/config"
	"github.com/rtfleet/rtdeploy/pkg/container"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/manifest"
	"github.com/rtfleet/rtdeploy/pkg/metrics"
	"github.com/rtfleet/rtdeploy/pkg/mocks"
	"github.com/rtfleet/rtdeploy/pkg/state"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// sub is listed before the task it depends on
const pipelineManifest = `
schedule:
  name: demo
  version: "1.0"
  tasks:
    - name: sub
      policy: rr
      priority: 50
      depends_on: [sum]
    - name: sum
      policy: fifo
      priority: 80
    - name: mul
      policy: fifo
      priority: 60
`

type fixture struct {
	config   *types.AppConfig
	fetcher  *mocks.MockFetcher
	preparer *mocks.MockPreparer
	builder  *mocks.MockBuilder
	engine   *mocks.MockEngine
	store    *mocks.MockStore
	notifier *recordingNotifier
}

func newFixture(t *testing.T, manifestYAML string) *fixture {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "task_manifest.yaml"), []byte(manifestYAML), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return &fixture{
		config:   config.DefaultConfig(),
		fetcher:  mocks.NewMockFetcher(dir, "0123456789abcdef"),
		preparer: mocks.NewMockPreparer(),
		builder:  mocks.NewMockBuilder(),
		engine:   mocks.NewMockEngine(),
		store:    mocks.NewMockStore(),
		notifier: &recordingNotifier{},
	}
}

func (f *fixture) deps() engine.Dependencies {
	return engine.Dependencies{
		Fetcher:  f.fetcher,
		Preparer: f.preparer,
		Builder:  f.builder,
		Launcher: container.NewLauncher(f.engine, f.config.Runtime, nil),
		Store:    f.store,
		Notifier: f.notifier,
	}
}

func (f *fixture) pipeline(t *testing.T) *engine.Pipeline {
	t.Helper()
	p, err := engine.NewPipeline(f.config, f.deps(), nil)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

type recordingNotifier struct {
	mu       sync.Mutex
	complete []string
	failures []error
}

func (n *recordingNotifier) NotifyRunComplete(schedule string, deployed, failed, skipped int, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.complete = append(n.complete, schedule)
}

func (n *recordingNotifier) NotifyRunFailure(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, err)
}

func TestPipeline_DeploysInDependencyOrder(t *testing.T) {
	f := newFixture(t, pipelineManifest)

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if got, want := f.builder.Built(), []string{"sum", "sub", "mul"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected build order %v, got %v", want, got)
	}
	if n := f.engine.Containers(); n != 3 {
		t.Errorf("expected 3 containers, got %d", n)
	}

	deployed, failed, skipped := report.Counts()
	if deployed != 3 || failed != 0 || skipped != 0 {
		t.Errorf("unexpected counts: %d/%d/%d", deployed, failed, skipped)
	}
	if report.Revision != "0123456789abcdef" || !strings.HasPrefix(report.RunID, "run_") {
		t.Errorf("unexpected report identity: %+v", report)
	}

	snap, err := f.store.LoadSchedule(context.Background())
	if err != nil {
		t.Fatalf("schedule not persisted: %v", err)
	}
	if got := snap.Schedule.TaskNames(); !reflect.DeepEqual(got, []string{"sum", "sub", "mul"}) {
		t.Errorf("expected persisted order to match deployment order, got %v", got)
	}

	rec, ok := f.store.Deployment("sum")
	if !ok || rec.Status != types.DeployStatusDeployed || rec.ContainerID == "" || rec.Image != "sum:latest" {
		t.Errorf("unexpected record for sum: %+v", rec)
	}
	if rec.RunID != report.RunID {
		t.Errorf("expected record run id %s, got %s", report.RunID, rec.RunID)
	}
	if len(f.notifier.complete) != 1 {
		t.Errorf("expected one completion notification, got %d", len(f.notifier.complete))
	}
}

func TestPipeline_BuildRequest(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.config.Build.ImagePrefix = "registry.local/"
	f.config.Build.QueuePrefix = "/rt"

	if _, err := f.pipeline(t).Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	req := f.builder.Requests()[0]
	want := builders.BuildRequest{
		Task:       "sum",
		ContextDir: f.fetcher.Path(),
		Tag:        "registry.local/sum:latest",
		BuildArgs:  map[string]string{"TASK_QUEUE_PREFIX": "/rt", "TASK_NAME": "sum"},
	}
	if !reflect.DeepEqual(req, want) {
		t.Errorf("expected %+v, got %+v", want, req)
	}

	spec, ok := f.engine.Spec("sum")
	if !ok || spec.Image != "registry.local/sum:latest" || spec.Labels[container.LabelSchedule] != "demo" {
		t.Errorf("unexpected container spec: %+v", spec)
	}
}

func TestPipeline_ManifestOrder(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.config.Deploy.Order = types.OrderManifest

	if _, err := f.pipeline(t).Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got, want := f.builder.Built(), []string{"sub", "sum", "mul"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected manifest order %v, got %v", want, got)
	}
}

func TestPipeline_PartialFailureIsIsolated(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
		stage types.Stage
	}{
		{"materialize", func(f *fixture) {
			f.preparer.FailTask("sum", errors.New("entry artifact not found"))
		}, types.StageMaterialize},
		{"build", func(f *fixture) {
			f.builder.FailTask("sum", errors.New("exit status 1"))
		}, types.StageBuild},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, pipelineManifest)
			tt.setup(f)

			report, err := f.pipeline(t).Run(context.Background())
			if err != nil {
				t.Fatalf("expected run to complete, got %v", err)
			}

			sum, _ := report.Deployment("sum")
			if sum.Status != types.DeployStatusFailed || sum.Stage != tt.stage || sum.Error == "" {
				t.Errorf("unexpected record for failed task: %+v", sum)
			}
			sub, _ := report.Deployment("sub")
			if sub.Status != types.DeployStatusDeployed {
				t.Errorf("expected dependent task to still deploy, got %+v", sub)
			}
			if !reflect.DeepEqual(sub.FailedDeps, []string{"sum"}) {
				t.Errorf("expected failed deps [sum], got %v", sub.FailedDeps)
			}
			if mul, _ := report.Deployment("mul"); mul.Status != types.DeployStatusDeployed {
				t.Errorf("expected unrelated task to deploy, got %+v", mul)
			}
			if f.store.Saves() != 1 {
				t.Error("expected schedule to be persisted after partial failure")
			}
		})
	}
}

func TestPipeline_BuildFailureLogsOneLine(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.builder.FailTask("sum", &builders.BuildError{
		Task:   "sum",
		Tag:    "sum:latest",
		Output: "Step 1/3 : FROM gcc\nStep 2/3 : RUN make\nfatal error: task_entry.h: No such file",
		Err:    errors.New("The command '/bin/sh -c make' returned a non-zero code: 2"),
	})

	var buf bytes.Buffer
	p, err := engine.NewPipeline(f.config, f.deps(), logger.CreateLoggerWithOutput("", "info", &buf))
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("expected run to complete, got %v", err)
	}

	var failures []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "Task deployment failed") {
			failures = append(failures, line)
		}
		if strings.Contains(line, "fatal error") {
			t.Errorf("expected build output to stay out of the log, got %q", line)
		}
	}
	if len(failures) != 1 {
		t.Fatalf("expected one failure line, got %d:\n%s", len(failures), buf.String())
	}
	for _, want := range []string{"[sum]", "stage=build", "non-zero code: 2"} {
		if !strings.Contains(failures[0], want) {
			t.Errorf("expected %q in %q", want, failures[0])
		}
	}
}

func TestPipeline_RunFailureIsIsolated(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.engine.SetError("run", errors.New("daemon unavailable"))

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("expected run to complete, got %v", err)
	}
	deployed, failed, _ := report.Counts()
	if deployed != 0 || failed != 3 {
		t.Errorf("expected every task to fail at run, got %d deployed %d failed", deployed, failed)
	}
	if rec, _ := report.Deployment("mul"); rec.Stage != types.StageRun {
		t.Errorf("expected run stage, got %q", rec.Stage)
	}
}

func TestPipeline_Strict(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.config.Deploy.Strict = true
	f.builder.FailTask("mul", errors.New("exit status 2"))

	report, err := f.pipeline(t).Run(context.Background())
	if !errors.Is(err, engine.ErrTasksFailed) {
		t.Fatalf("expected ErrTasksFailed, got %v", err)
	}
	if report == nil || f.engine.Containers() != 2 {
		t.Error("expected the other tasks to be deployed in strict mode")
	}
}

func TestPipeline_AbortsWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		setup    func(*fixture)
		check    func(t *testing.T, err error)
	}{
		{
			name:     "invalid policy",
			manifest: strings.Replace(pipelineManifest, "policy: rr", "policy: edf", 1),
			check: func(t *testing.T, err error) {
				var policyErr *manifest.InvalidPolicyError
				if !errors.As(err, &policyErr) || !errors.Is(err, manifest.ErrInvalidManifest) {
					t.Errorf("expected InvalidPolicyError, got %v", err)
				}
			},
		},
		{
			name:     "unresolved dependency",
			manifest: strings.Replace(pipelineManifest, "depends_on: [sum]", "depends_on: [div]", 1),
			check: func(t *testing.T, err error) {
				if !errors.Is(err, manifest.ErrUnresolvedDependency) {
					t.Errorf("expected ErrUnresolvedDependency, got %v", err)
				}
			},
		},
		{
			name:     "cycle",
			manifest: strings.Replace(pipelineManifest, "priority: 80", "priority: 80\n      depends_on: [sub]", 1),
			check: func(t *testing.T, err error) {
				if !errors.Is(err, manifest.ErrDependencyCycle) {
					t.Errorf("expected ErrDependencyCycle, got %v", err)
				}
			},
		},
		{
			name:     "fetch failure",
			manifest: pipelineManifest,
			setup: func(f *fixture) {
				f.fetcher.SetError(errors.New("repository not found"))
			},
			check: func(t *testing.T, err error) {
				if err == nil || !strings.Contains(err.Error(), "repository not found") {
					t.Errorf("expected fetch error, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.manifest)
			if tt.setup != nil {
				tt.setup(f)
			}

			report, err := f.pipeline(t).Run(context.Background())
			tt.check(t, err)

			if report != nil {
				t.Errorf("expected no report, got %+v", report)
			}
			if len(f.preparer.Prepared()) != 0 || len(f.builder.Built()) != 0 || f.engine.Containers() != 0 {
				t.Error("expected no task side effects")
			}
			if f.store.Saves() != 0 {
				t.Error("expected no state to be written")
			}
			if len(f.notifier.failures) != 1 {
				t.Errorf("expected one failure notification, got %d", len(f.notifier.failures))
			}
		})
	}
}

func TestPipeline_StateFailureKeepsContainers(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.store.SetSaveError(errors.New("connection refused"))

	report, err := f.pipeline(t).Run(context.Background())

	var storeErr *state.StateStoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StateStoreError, got %v", err)
	}
	if report == nil {
		t.Fatal("expected a report for a run that deployed")
	}
	if n := f.engine.Containers(); n != 3 {
		t.Errorf("expected deployed containers to be kept, got %d", n)
	}
}

func TestPipeline_UnreachableStoreStillDeploys(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.store.SetPingError(errors.New("dial tcp: connection refused"))

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("expected a failed ping to be tolerated, got %v", err)
	}
	if deployed, _, _ := report.Counts(); deployed != 3 {
		t.Errorf("expected all tasks deployed, got %d", deployed)
	}
}

func TestPipeline_RecordFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.store.SetRecordError(errors.New("OOM command not allowed"))

	if _, err := f.pipeline(t).Run(context.Background()); err != nil {
		t.Fatalf("expected record write failures to be tolerated, got %v", err)
	}
	if f.store.Saves() != 1 {
		t.Error("expected schedule to be saved")
	}
}

// cancellingBuilder cancels the run when it reaches a given task
type cancellingBuilder struct {
	*mocks.MockBuilder
	at     string
	cancel context.CancelFunc
}

func (b *cancellingBuilder) Build(ctx context.Context, req builders.BuildRequest) error {
	if req.Task == b.at {
		b.cancel()
		<-ctx.Done()
		return ctx.Err()
	}
	return b.MockBuilder.Build(ctx, req)
}

func TestPipeline_CancellationSkipsRemaining(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := f.deps()
	deps.Builder = &cancellingBuilder{MockBuilder: f.builder, at: "sub", cancel: cancel}
	p, err := engine.NewPipeline(f.config, deps, nil)
	if err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}

	want := map[string]types.DeployStatus{
		"sum": types.DeployStatusDeployed,
		"sub": types.DeployStatusSkipped,
		"mul": types.DeployStatusSkipped,
	}
	for name, status := range want {
		if d, _ := report.Deployment(name); d.Status != status {
			t.Errorf("expected %s to be %s, got %s", name, status, d.Status)
		}
	}
	if f.store.Saves() != 1 {
		t.Error("expected state to be persisted after cancellation")
	}
	if rec, ok := f.store.Deployment("mul"); !ok || rec.Status != types.DeployStatusSkipped {
		t.Errorf("expected skipped record for mul, got %+v", rec)
	}
}

func TestPipeline_ParallelLevels(t *testing.T) {
	f := newFixture(t, `
schedule:
  name: diamond
  tasks:
    - {name: root, policy: fifo, priority: 90}
    - {name: left, policy: fifo, priority: 80, depends_on: [root]}
    - {name: right, policy: rr, priority: 70, depends_on: [root]}
    - {name: join, policy: rr, priority: 60, depends_on: [left, right]}
`)
	f.config.Deploy.Parallelism = 2
	f.config.Build.Isolated = true
	f.builder.SetDelay(5 * time.Millisecond)

	report, err := f.pipeline(t).Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	built := f.builder.Built()
	if len(built) != 4 || built[0] != "root" || built[3] != "join" {
		t.Errorf("expected root first and join last, got %v", built)
	}
	if deployed, _, _ := report.Counts(); deployed != 4 {
		t.Errorf("expected 4 deployed, got %d", deployed)
	}
	if got := report.Schedule.TaskNames(); !reflect.DeepEqual(got, []string{"root", "left", "right", "join"}) {
		t.Errorf("expected topological report order, got %v", got)
	}
}

type failingLock struct{}

func (failingLock) Acquire(context.Context, string) error { return errors.New("held by pid 42") }
func (failingLock) Release() error                        { return nil }

func TestPipeline_LockHeld(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	deps := f.deps()
	deps.Lock = failingLock{}
	p, _ := engine.NewPipeline(f.config, deps, nil)

	if _, err := p.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "run lock") {
		t.Fatalf("expected lock error, got %v", err)
	}
	if f.fetcher.Calls() != 0 {
		t.Error("expected no fetch while another run holds the lock")
	}
}

func TestPipeline_Metrics(t *testing.T) {
	f := newFixture(t, pipelineManifest)
	f.builder.FailTask("mul", errors.New("exit status 1"))
	reg := prometheus.NewRegistry()
	deps := f.deps()
	deps.Metrics = metrics.New(reg)
	p, _ := engine.NewPipeline(f.config, deps, nil)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	expected := `
# HELP rtdeploy_task_stage_failures_total Per-task failures by pipeline stage
# TYPE rtdeploy_task_stage_failures_total counter
rtdeploy_task_stage_failures_total{stage="build"} 1
# HELP rtdeploy_runs_total Pipeline runs by outcome
# TYPE rtdeploy_runs_total counter
rtdeploy_runs_total{outcome="partial"} 1
# HELP rtdeploy_schedule_tasks Number of tasks in the last parsed schedule
# TYPE rtdeploy_schedule_tasks gauge
rtdeploy_schedule_tasks 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"rtdeploy_task_stage_failures_total", "rtdeploy_runs_total", "rtdeploy_schedule_tasks"); err != nil {
		t.Error(err)
	}
}

func TestNewPipeline_RequiresDependencies(t *testing.T) {
	if _, err := engine.NewPipeline(config.DefaultConfig(), engine.Dependencies{}, nil); err == nil {
		t.Error("expected error for missing dependencies")
	}
}
