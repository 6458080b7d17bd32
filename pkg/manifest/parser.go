// Package manifest turns a schedule manifest into a validated types.Schedule
package manifest

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rtfleet/rtdeploy/pkg/types"
	"gopkg.in/yaml.v3"
)

// taskNamePattern is the container name grammar of the engine. A task name
// is also a directory under the spec root and the workspace root, so it has
// to stay a single path segment.
var taskNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// text accepts any YAML scalar and keeps its literal form, so that
// `version: 1.0` stays "1.0" instead of failing on a float.
type text struct {
	value string
}

func (t *text) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", node.Line)
	}
	t.value = node.Value
	return nil
}

// number accepts a YAML integer or a numeric string
type number struct {
	literal string
}

func (n *number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	n.literal = node.Value
	return nil
}

func (n *number) Int() (int, error) {
	s := strings.TrimSpace(n.literal)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.Trunc(f) != f || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%q is not an integer", n.literal)
	}
	return int(f), nil
}

type rawTask struct {
	Name      *text   `yaml:"name"`
	Policy    *text   `yaml:"policy"`
	Priority  *number `yaml:"priority"`
	DependsOn []text  `yaml:"depends_on"`
	Inputs    []text  `yaml:"inputs"`
	Outputs   []text  `yaml:"outputs"`
}

type rawSchedule struct {
	Name        *text     `yaml:"name"`
	Version     *text     `yaml:"version"`
	Description *text     `yaml:"description"`
	Tasks       []rawTask `yaml:"tasks"`
}

type rawManifest struct {
	Schedule *rawSchedule `yaml:"schedule"`
}

// ParseFile reads and parses a manifest file
func ParseFile(path string) (*types.Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestStructureError{Reason: fmt.Sprintf("cannot read %s", path), Err: err}
	}
	return Parse(data)
}

// Parse validates manifest data and builds a Schedule. It is all-or-nothing:
// one invalid task rejects the whole schedule. JSON input is accepted since
// it is valid YAML.
func Parse(data []byte) (*types.Schedule, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ManifestStructureError{Reason: "cannot decode document", Err: err}
	}
	if raw.Schedule == nil {
		return nil, &ManifestStructureError{Reason: "missing required field 'schedule'"}
	}

	schedule := &types.Schedule{
		Name:        valueOr(raw.Schedule.Name, types.DefaultScheduleName),
		Version:     valueOr(raw.Schedule.Version, types.DefaultScheduleVersion),
		Description: valueOr(raw.Schedule.Description, ""),
		Tasks:       make([]types.Task, 0, len(raw.Schedule.Tasks)),
	}

	for i, rt := range raw.Schedule.Tasks {
		task, err := convertTask(i+1, rt)
		if err != nil {
			return nil, err
		}
		schedule.Tasks = append(schedule.Tasks, task)
	}

	if _, err := BuildGraph(schedule); err != nil {
		return nil, err
	}

	return schedule, nil
}

func convertTask(index int, rt rawTask) (types.Task, error) {
	name := ""
	if rt.Name != nil {
		name = strings.TrimSpace(rt.Name.value)
	}

	switch {
	case name == "":
		return types.Task{}, &TaskFieldError{Index: index, Field: "name"}
	case !taskNamePattern.MatchString(name):
		return types.Task{}, &TaskFieldError{Index: index, Task: name, Field: "name",
			Reason: "must match [a-zA-Z0-9][a-zA-Z0-9_.-]*"}
	case rt.Policy == nil:
		return types.Task{}, &TaskFieldError{Index: index, Task: name, Field: "policy"}
	case rt.Priority == nil:
		return types.Task{}, &TaskFieldError{Index: index, Task: name, Field: "priority"}
	}

	policy, ok := types.ParsePolicy(rt.Policy.value)
	if !ok {
		return types.Task{}, &InvalidPolicyError{Task: name, Policy: string(policy)}
	}

	priority, err := rt.Priority.Int()
	if err != nil {
		return types.Task{}, &TaskFieldError{Index: index, Task: name, Field: "priority", Reason: err.Error()}
	}

	return types.Task{
		Name:      name,
		Policy:    policy,
		Priority:  priority,
		DependsOn: values(rt.DependsOn),
		Inputs:    values(rt.Inputs),
		Outputs:   values(rt.Outputs),
	}, nil
}

func valueOr(t *text, fallback string) string {
	if t == nil {
		return fallback
	}
	return t.value
}

func values(in []text) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = t.value
	}
	return out
}
