package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for manifest validation. Every error returned by Parse
// matches ErrInvalidManifest with errors.Is.
var (
	ErrInvalidManifest = errors.New("invalid manifest")

	ErrDuplicateTask        = errors.New("duplicate task name")
	ErrUnresolvedDependency = errors.New("unresolved dependency")
	ErrDependencyCycle      = errors.New("dependency cycle")
)

// ManifestStructureError reports a manifest whose shape is wrong
type ManifestStructureError struct {
	Reason string
	Err    error
}

func (e *ManifestStructureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed manifest: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed manifest: %s", e.Reason)
}

func (e *ManifestStructureError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidManifest}
	}
	return []error{ErrInvalidManifest, e.Err}
}

// TaskFieldError reports a task entry with a missing or unusable field
type TaskFieldError struct {
	Index  int // 1-based position in the manifest
	Task   string
	Field  string
	Reason string
}

func (e *TaskFieldError) Error() string {
	who := fmt.Sprintf("task #%d", e.Index)
	if e.Task != "" {
		who = fmt.Sprintf("task #%d (%s)", e.Index, e.Task)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: missing required field '%s'", who, e.Field)
	}
	return fmt.Sprintf("%s: invalid field '%s': %s", who, e.Field, e.Reason)
}

func (e *TaskFieldError) Unwrap() error { return ErrInvalidManifest }

// InvalidPolicyError reports a scheduling policy outside {fifo, rr}
type InvalidPolicyError struct {
	Task   string
	Policy string
}

func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("invalid policy '%s' in task %s (expected fifo or rr)", e.Policy, e.Task)
}

func (e *InvalidPolicyError) Unwrap() error { return ErrInvalidManifest }

// DependencyError wraps deterministic dependency graph failures
type DependencyError struct {
	Kind error
	Task string
	Msg  string
}

func (e *DependencyError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: task %s", e.Kind.Error(), e.Task)
	}
	return fmt.Sprintf("%s: task %s: %s", e.Kind.Error(), e.Task, e.Msg)
}

func (e *DependencyError) Unwrap() []error { return []error{ErrInvalidManifest, e.Kind} }

func cycleError(path []string) error {
	task := ""
	if len(path) > 0 {
		task = path[0]
	}
	return &DependencyError{
		Kind: ErrDependencyCycle,
		Task: task,
		Msg:  strings.Join(path, " -> "),
	}
}
