package container

import (
	"context"
	"fmt"
	"sort"
	"strings"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-units"
)

// NewClient connects to the Docker Engine API. An empty host falls back to
// DOCKER_HOST and the other DOCKER_* variables, then the local socket.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// DockerEngine implements Engine on the Docker Engine API
type DockerEngine struct {
	api client.ContainerAPIClient
}

// NewDockerEngine creates an engine over an API client
func NewDockerEngine(api client.ContainerAPIClient) *DockerEngine {
	return &DockerEngine{api: api}
}

// Inspect looks up a container by exact name, including stopped ones
func (d *DockerEngine) Inspect(ctx context.Context, name string) (*Info, error) {
	resp, err := d.api.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil, ErrContainerNotFound
	}
	if err != nil {
		return nil, err
	}
	// the daemon also resolves ID prefixes; only an exact name match counts
	if resp.ContainerJSONBase == nil || strings.TrimPrefix(resp.Name, "/") != name {
		return nil, ErrContainerNotFound
	}

	info := &Info{ID: resp.ID, Name: name}
	if resp.Config != nil {
		info.Image = resp.Config.Image
	}
	if resp.State != nil {
		info.State = resp.State.Status
		info.Running = resp.State.Running || resp.State.Restarting
	}
	return info, nil
}

// Stop stops a running container
func (d *DockerEngine) Stop(ctx context.Context, id string) error {
	return d.api.ContainerStop(ctx, id, dockercontainer.StopOptions{})
}

// Remove deletes a stopped container
func (d *DockerEngine) Remove(ctx context.Context, id string) error {
	return d.api.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{})
}

// Run creates and starts a detached container and returns its ID. A
// container that was created but failed to start is removed again.
func (d *DockerEngine) Run(ctx context.Context, spec RunSpec) (string, error) {
	config, hostConfig := CreateConfig(spec)
	created, err := d.api.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", err
	}

	if err := d.api.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		_ = d.api.ContainerRemove(context.WithoutCancel(ctx), created.ID, dockercontainer.RemoveOptions{Force: true})
		return "", err
	}
	return created.ID, nil
}

// CreateConfig renders a RunSpec as Engine API create parameters. Env
// entries are sorted so the request is deterministic.
func CreateConfig(spec RunSpec) (*dockercontainer.Config, *dockercontainer.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	config := &dockercontainer.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
		Tty:    spec.TTY,
	}

	hostConfig := &dockercontainer.HostConfig{
		IpcMode: dockercontainer.IpcMode(spec.IPCMode),
		CapAdd:  spec.CapAdd,
	}
	hostConfig.CpusetCpus = spec.CPUSet
	for _, u := range spec.Ulimits {
		hostConfig.Ulimits = append(hostConfig.Ulimits, &units.Ulimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}
	return config, hostConfig
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
