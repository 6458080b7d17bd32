package builders_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/builders"
	"github.com/rtfleet/rtdeploy/pkg/mocks"
)

func newBuilder(t *testing.T, logDir string) (*builders.ImageBuilder, *mocks.FakeDaemon) {
	t.Helper()
	d := mocks.NewFakeDaemon()
	t.Cleanup(d.Close)
	api, err := d.Client()
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(func() { api.Close() })
	return builders.NewImageBuilder(api, logDir, nil), d
}

// buildContext writes a minimal task-service context
func buildContext(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"Dockerfile":           "FROM scratch\nCOPY include /include\n",
		"include/task_entry.h": "#define TASK_ENTRY sum_main\n",
		"build.log":            "stale\n",
		".dockerignore":        "*.log\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestImageBuilder_Options(t *testing.T) {
	b := builders.NewImageBuilder(nil, "", nil)
	opts := b.Options(builders.BuildRequest{
		ContextDir: "services/task-service",
		Tag:        "sum:latest",
		Dockerfile: "Dockerfile.rt",
		BuildArgs:  map[string]string{"TASK_QUEUE_PREFIX": "/task", "TASK_NAME": "sum"},
	})

	if !reflect.DeepEqual(opts.Tags, []string{"sum:latest"}) {
		t.Errorf("unexpected tags %v", opts.Tags)
	}
	if opts.Dockerfile != "Dockerfile.rt" || !opts.Remove {
		t.Errorf("unexpected options %+v", opts)
	}
	if len(opts.BuildArgs) != 2 || *opts.BuildArgs["TASK_NAME"] != "sum" || *opts.BuildArgs["TASK_QUEUE_PREFIX"] != "/task" {
		t.Errorf("unexpected build args %v", opts.BuildArgs)
	}
}

func TestImageBuilder_Build(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "logs")
	b, d := newBuilder(t, logDir)

	err := b.Build(context.Background(), builders.BuildRequest{
		Task:       "sum",
		ContextDir: buildContext(t),
		Tag:        "sum:latest",
		BuildArgs:  map[string]string{"TASK_QUEUE_PREFIX": "/task", "TASK_NAME": "sum"},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	builds := d.Builds()
	if len(builds) != 1 {
		t.Fatalf("expected 1 build, got %d", len(builds))
	}
	got := builds[0]
	if got.Tag != "sum:latest" || !got.Remove {
		t.Errorf("unexpected build %+v", got)
	}
	if want := map[string]string{"TASK_QUEUE_PREFIX": "/task", "TASK_NAME": "sum"}; !reflect.DeepEqual(got.BuildArgs, want) {
		t.Errorf("expected build args %v, got %v", want, got.BuildArgs)
	}
	files := strings.Join(got.Files, ",")
	for _, want := range []string{"Dockerfile", "include/task_entry.h"} {
		if !strings.Contains(files, want) {
			t.Errorf("expected %s in build context, got %v", want, got.Files)
		}
	}
	if strings.Contains(files, "build.log") {
		t.Errorf("expected .dockerignore to exclude build.log, got %v", got.Files)
	}

	logData, err := os.ReadFile(b.LogPath("sum"))
	if err != nil {
		t.Fatalf("expected build log: %v", err)
	}
	for _, want := range []string{"Step 1/2", "Successfully tagged sum:latest", "Build SUCCEEDED"} {
		if !strings.Contains(string(logData), want) {
			t.Errorf("expected %q in build log", want)
		}
	}
}

func TestImageBuilder_BuildFailure(t *testing.T) {
	b, d := newBuilder(t, "")
	d.SetBuildOutput("Step 1/3 : FROM gcc", "Step 2/3 : RUN make", "fatal error: task_entry.h: No such file")
	d.FailBuild("sub:latest", "The command '/bin/sh -c make' returned a non-zero code: 2")

	err := b.Build(context.Background(), builders.BuildRequest{Task: "sub", ContextDir: buildContext(t), Tag: "sub:latest"})
	var buildErr *builders.BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if buildErr.Task != "sub" || buildErr.Tag != "sub:latest" {
		t.Errorf("unexpected error fields: %+v", buildErr)
	}
	if !strings.Contains(buildErr.Output, "task_entry.h") {
		t.Errorf("expected build output in error, got %q", buildErr.Output)
	}
	if !strings.Contains(err.Error(), "non-zero code: 2") {
		t.Errorf("expected daemon error in message, got %q", err.Error())
	}
	if strings.Contains(err.Error(), "\n") {
		t.Errorf("expected a single-line error, got %q", err.Error())
	}
	if b.LogPath("sub") != "" {
		t.Error("expected no log path when log dir is disabled")
	}
}

func TestImageBuilder_BuildErrors(t *testing.T) {
	tests := []struct {
		name       string
		contextDir func(t *testing.T) string
		closed     bool
	}{
		{
			name:       "missing context",
			contextDir: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent") },
		},
		{
			name:       "daemon unreachable",
			contextDir: buildContext,
			closed:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, d := newBuilder(t, "")
			if tt.closed {
				d.Close()
			}

			err := b.Build(context.Background(), builders.BuildRequest{Task: "x", ContextDir: tt.contextDir(t), Tag: "x:latest"})
			var buildErr *builders.BuildError
			if !errors.As(err, &buildErr) {
				t.Fatalf("expected BuildError, got %v", err)
			}
			if len(d.Builds()) != 0 {
				t.Error("expected no build to reach the daemon")
			}
		})
	}
}

func TestImageBuilder_Timeout(t *testing.T) {
	b, d := newBuilder(t, "")
	d.SetBuildDelay(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Build(ctx, builders.BuildRequest{Task: "slow", ContextDir: buildContext(t), Tag: "slow:latest"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("build was not interrupted by the deadline")
	}
}
