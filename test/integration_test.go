//go:build integration

package integration_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rtfleet/rtdeploy/internal/engine"
	"github.com/rtfleet/rtdeploy/pkg/cli"
	"github.com/rtfleet/rtdeploy/pkg/mocks"
)

const manifest = `
schedule:
  name: arithmetic
  version: "2.1"
  tasks:
    - name: mul
      policy: fifo
      priority: 10
      depends_on: [sum, sub]
    - name: sum
      policy: fifo
      priority: 80
    - name: sub
      policy: rr
      priority: 50
`

type fixture struct {
	dir    string
	config string
	redis  *miniredis.Miniredis
	docker *mocks.FakeDaemon
}

func setup(t *testing.T) *fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dir := t.TempDir()
	mr := miniredis.RunT(t)

	specDir := filepath.Join(dir, "spec")
	mustWrite(t, filepath.Join(specDir, "task_manifest.yaml"), manifest)
	for _, task := range []string{"sum", "sub", "mul"} {
		mustWrite(t, filepath.Join(specDir, task, "task_entry.h"),
			fmt.Sprintf("#define TASK_ENTRY %s_entry\n", task))
	}

	contextDir := filepath.Join(dir, "task-service")
	mustWrite(t, filepath.Join(contextDir, "Dockerfile"), "FROM scratch\n")

	docker := mocks.NewFakeDaemon()
	t.Cleanup(docker.Close)

	config := filepath.Join(dir, "rtdeploy.yaml")
	mustWrite(t, config, fmt.Sprintf(`
repository:
  path: %s
build:
  context: %s
  logDir: %s
  workspaceRoot: %s
runtime:
  host: %s
redis:
  addr: %s
deploy:
  lockFile: %s
`, specDir, contextDir, filepath.Join(dir, "logs"), filepath.Join(dir, "workspaces"),
		docker.Host(), mr.Addr(), filepath.Join(dir, "deploy.lock")))

	return &fixture{dir: dir, config: config, redis: mr, docker: docker}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func (f *fixture) deploy(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	c := cli.NewCLIWithOutput(cli.NewConfig(), &out, &errOut)
	err := c.Execute(append([]string{"--config", f.config, "deploy", "--skip-fetch"}, args...))
	return out.String(), err
}

func (f *fixture) hget(t *testing.T, key, field string) string {
	t.Helper()
	return f.redis.HGet(key, field)
}

// TestEndToEndDeploy runs the full pipeline against a fake container CLI
func TestEndToEndDeploy(t *testing.T) {
	f := setup(t)

	out, err := f.deploy(t)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if !strings.Contains(out, "3 deployed, 0 failed, 0 skipped") {
		t.Errorf("unexpected report:\n%s", out)
	}

	// Dependencies first, ties in manifest order.
	var built []string
	for _, b := range f.docker.Builds() {
		built = append(built, b.Tag)
	}
	want := []string{"sum:latest", "sub:latest", "mul:latest"}
	if strings.Join(built, ",") != strings.Join(want, ",") {
		t.Errorf("expected build order %v, got %v", want, built)
	}

	if got := f.hget(t, "schedule", "name"); got != "arithmetic" {
		t.Errorf("expected schedule name arithmetic, got %q", got)
	}
	if got := f.hget(t, "schedule", "length"); got != "3" {
		t.Errorf("expected schedule length 3, got %q", got)
	}
	for i, name := range []string{"sum", "sub", "mul"} {
		if got := f.hget(t, fmt.Sprintf("scheduletask:%d", i+1), "name"); got != name {
			t.Errorf("scheduletask:%d: expected %s, got %q", i+1, name, got)
		}
	}
	if got := f.hget(t, "deployment:mul", "container_id"); got != "id-mul" {
		t.Errorf("expected mul container id-mul, got %q", got)
	}

	c, ok := f.docker.Container("sum")
	if !ok {
		t.Fatal("expected a sum container")
	}
	if c.Labels["rtdeploy.task"] != "sum" || c.HostConfig.CpusetCpus != "1" || string(c.HostConfig.IpcMode) != "host" {
		t.Errorf("unexpected sum container %+v", c)
	}

	if _, err := os.Stat(filepath.Join(f.dir, "deploy.lock")); !os.IsNotExist(err) {
		t.Errorf("expected run lock to be released, stat returned %v", err)
	}
}

// TestRedeployReplacesContainers checks that a second run leaves exactly one
// container per task
func TestRedeployReplacesContainers(t *testing.T) {
	f := setup(t)

	for i := 0; i < 2; i++ {
		if _, err := f.deploy(t); err != nil {
			t.Fatalf("deploy %d failed: %v", i+1, err)
		}
	}

	if names := f.docker.ContainerNames(); strings.Join(names, ",") != "mul,sub,sum" {
		t.Errorf("expected one container per task after redeploy, got %v", names)
	}

	calls := strings.Join(f.docker.Calls(), "\n")
	for _, want := range []string{"stop id-sum", "remove id-sum", "stop id-mul", "remove id-mul"} {
		if !strings.Contains(calls, want) {
			t.Errorf("expected %q in engine calls", want)
		}
	}
}

// TestPartialFailure checks that a failed build is reported and recorded
// without stopping the run
func TestPartialFailure(t *testing.T) {
	f := setup(t)
	f.docker.FailBuild("mul:latest", "task_entry.h: syntax error")

	out, err := f.deploy(t)
	if err != nil {
		t.Fatalf("expected a completed run without --strict, got %v", err)
	}
	if !strings.Contains(out, "2 deployed, 1 failed, 0 skipped") {
		t.Errorf("unexpected report:\n%s", out)
	}
	if got := f.hget(t, "deployment:mul", "status"); got != "failed" {
		t.Errorf("expected mul status failed, got %q", got)
	}
	if got := f.hget(t, "deployment:mul", "stage"); got != "build" {
		t.Errorf("expected mul to fail in build, got %q", got)
	}
	if got := f.hget(t, "schedule", "length"); got != "3" {
		t.Errorf("expected the schedule to be recorded, got length %q", got)
	}

	_, err = f.deploy(t, "--strict")
	if !errors.Is(err, engine.ErrTasksFailed) {
		t.Fatalf("expected ErrTasksFailed with --strict, got %v", err)
	}
	if code := cli.ExitCode(err); code != cli.ExitTasksFailed {
		t.Errorf("expected exit code %d, got %d", cli.ExitTasksFailed, code)
	}
}
