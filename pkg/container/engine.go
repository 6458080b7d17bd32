// Package container manages the lifecycle of task-service containers
package container

import (
	"context"
	"errors"
	"fmt"
)

// ErrContainerNotFound is returned when no container has the requested name
var ErrContainerNotFound = errors.New("container not found")

// Info describes an existing container
type Info struct {
	ID      string
	Name    string
	Image   string
	State   string
	Running bool
}

// Ulimit is a soft/hard resource limit; -1 means unlimited
type Ulimit struct {
	Name string
	Soft int64
	Hard int64
}

func (u Ulimit) String() string {
	return fmt.Sprintf("%s=%d:%d", u.Name, u.Soft, u.Hard)
}

// RunSpec is everything needed to start a container
type RunSpec struct {
	Name    string
	Image   string
	Env     map[string]string
	Labels  map[string]string
	Ulimits []Ulimit
	CapAdd  []string
	IPCMode string
	CPUSet  string
	TTY     bool
}

// Engine is the subset of container engine operations the launcher needs
type Engine interface {
	// Inspect finds a container by exact name, returning ErrContainerNotFound if absent
	Inspect(ctx context.Context, name string) (*Info, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Run starts a detached container and returns its ID
	Run(ctx context.Context, spec RunSpec) (string, error)
}
