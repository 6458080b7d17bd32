package manifest_test

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rtfleet/rtdeploy/pkg/manifest"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

func schedule(tasks ...types.Task) *types.Schedule {
	return &types.Schedule{Name: "g", Tasks: tasks}
}

func task(name string, deps ...string) types.Task {
	return types.Task{Name: name, Policy: types.PolicyFIFO, DependsOn: deps}
}

func names(tasks []types.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}

func TestGraph_Order(t *testing.T) {
	tests := []struct {
		name  string
		tasks []types.Task
		want  []string
	}{
		{
			name:  "manifest order already valid",
			tasks: []types.Task{task("sum"), task("sub", "sum")},
			want:  []string{"sum", "sub"},
		},
		{
			name:  "dependency listed after dependent",
			tasks: []types.Task{task("sub", "sum"), task("sum")},
			want:  []string{"sum", "sub"},
		},
		{
			name:  "independent tasks keep manifest order",
			tasks: []types.Task{task("c"), task("a"), task("b")},
			want:  []string{"c", "a", "b"},
		},
		{
			name: "diamond",
			tasks: []types.Task{
				task("join", "left", "right"),
				task("right", "root"),
				task("left", "root"),
				task("root"),
			},
			want: []string{"root", "right", "left", "join"},
		},
		{
			name:  "duplicate dependency entries",
			tasks: []types.Task{task("b", "a", "a"), task("a")},
			want:  []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := manifest.BuildGraph(schedule(tt.tasks...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := names(g.Order()); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected order %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGraph_Levels(t *testing.T) {
	g, err := manifest.BuildGraph(schedule(
		task("a"),
		task("b", "a"),
		task("c"),
		task("d", "b", "c"),
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	levels := g.Levels()
	want := [][]string{{"a", "c"}, {"b"}, {"d"}}
	if len(levels) != len(want) {
		t.Fatalf("expected %d levels, got %d", len(want), len(levels))
	}
	for i := range want {
		if got := names(levels[i]); !reflect.DeepEqual(got, want[i]) {
			t.Errorf("level %d: expected %v, got %v", i, want[i], got)
		}
	}

	if deps := g.Dependencies("d"); !reflect.DeepEqual(deps, []string{"b", "c"}) {
		t.Errorf("expected dependencies [b c], got %v", deps)
	}
	if deps := g.Dependencies("unknown"); deps != nil {
		t.Errorf("expected nil dependencies for unknown task, got %v", deps)
	}
}

func TestGraph_EmptySchedule(t *testing.T) {
	g, err := manifest.BuildGraph(schedule())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Order()) != 0 || len(g.Levels()) != 0 {
		t.Error("expected empty order and levels")
	}
}

func TestGraph_Cycles(t *testing.T) {
	tests := []struct {
		name     string
		tasks    []types.Task
		wantPath string
	}{
		{
			name:     "self dependency",
			tasks:    []types.Task{task("a", "a")},
			wantPath: "a -> a",
		},
		{
			name:     "two node cycle",
			tasks:    []types.Task{task("a", "b"), task("b", "a")},
			wantPath: "a -> b -> a",
		},
		{
			name:     "three node cycle behind a root",
			tasks:    []types.Task{task("root"), task("x", "root", "z"), task("y", "x"), task("z", "y")},
			wantPath: "x -> z -> y -> x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manifest.BuildGraph(schedule(tt.tasks...))
			if !errors.Is(err, manifest.ErrDependencyCycle) {
				t.Fatalf("expected cycle error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantPath) {
				t.Errorf("expected cycle path %q in %q", tt.wantPath, err.Error())
			}
		})
	}
}
