package engine

import (
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	lockstate "github.com/rtfleet/rtdeploy/internal/state"
	"github.com/rtfleet/rtdeploy/pkg/builders"
	"github.com/rtfleet/rtdeploy/pkg/container"
	"github.com/rtfleet/rtdeploy/pkg/fetch"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/materialize"
	"github.com/rtfleet/rtdeploy/pkg/metrics"
	"github.com/rtfleet/rtdeploy/pkg/notifier"
	"github.com/rtfleet/rtdeploy/pkg/state"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// DependencyFactory creates the production dependencies of a pipeline
// from configuration.
type DependencyFactory struct {
	config   *types.AppConfig
	logger   logger.Logger
	registry prometheus.Registerer
	docker   *client.Client
}

// NewDependencyFactory creates a new dependency factory. A nil registry
// disables metrics.
func NewDependencyFactory(cfg *types.AppConfig, log logger.Logger, registry prometheus.Registerer) *DependencyFactory {
	if log == nil {
		log = logger.NewNop()
	}
	return &DependencyFactory{
		config:   cfg,
		logger:   log,
		registry: registry,
	}
}

// CreateDefaults creates all default dependencies. With skipFetch the
// existing checkout at repository.path is used as is.
func (f *DependencyFactory) CreateDefaults(skipFetch bool) (Dependencies, error) {
	docker, err := f.dockerClient()
	if err != nil {
		return Dependencies{}, err
	}

	deps := Dependencies{
		Fetcher:  f.CreateFetcher(skipFetch),
		Preparer: materialize.NewMaterializer(f.config.Build, f.logger),
		Builder:  builders.NewImageBuilder(docker, f.config.Build.LogDir, f.logger),
		Launcher: container.NewLauncher(container.NewDockerEngine(docker), f.config.Runtime, f.logger),
		Store:    f.CreateStore(),
	}

	if f.registry != nil {
		deps.Metrics = metrics.New(f.registry)
	}
	if f.config.Notifications.Enabled {
		deps.Notifier = notifier.New(notifier.Config{Enabled: true}, f.logger)
	}
	if f.config.Deploy.LockFile != "" {
		deps.Lock = lockstate.NewRunLock(f.config.Deploy.LockFile, f.logger)
	}
	return deps, nil
}

// CreateWithOverrides creates dependencies with specific overrides. Non-nil
// values in overrides replace the defaults.
func (f *DependencyFactory) CreateWithOverrides(skipFetch bool, overrides Dependencies) (Dependencies, error) {
	deps, err := f.CreateDefaults(skipFetch)
	if err != nil {
		return Dependencies{}, err
	}

	if overrides.Fetcher != nil {
		deps.Fetcher = overrides.Fetcher
	}
	if overrides.Preparer != nil {
		deps.Preparer = overrides.Preparer
	}
	if overrides.Builder != nil {
		deps.Builder = overrides.Builder
	}
	if overrides.Launcher != nil {
		deps.Launcher = overrides.Launcher
	}
	if overrides.Store != nil {
		if deps.Store != nil {
			deps.Store.Close()
		}
		deps.Store = overrides.Store
	}
	if overrides.Metrics != nil {
		deps.Metrics = overrides.Metrics
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	if overrides.Lock != nil {
		deps.Lock = overrides.Lock
	}
	return deps, nil
}

// CreateStore connects to the configured state store
func (f *DependencyFactory) CreateStore() state.Store {
	return state.NewRedisStore(f.config.Redis, f.logger)
}

// CreateFetcher returns the repository fetcher. With skipFetch the checkout
// at repository.path is read as is.
func (f *DependencyFactory) CreateFetcher(skipFetch bool) fetch.Fetcher {
	if skipFetch {
		return fetch.NewLocalFetcher(f.config.Repository.Path)
	}
	return fetch.NewGitFetcher(f.config.Repository, f.logger)
}

// Close releases the Engine API client shared by the builder and launcher
func (f *DependencyFactory) Close() error {
	if f.docker == nil {
		return nil
	}
	err := f.docker.Close()
	f.docker = nil
	return err
}

func (f *DependencyFactory) dockerClient() (*client.Client, error) {
	if f.docker == nil {
		docker, err := container.NewClient(f.config.Runtime.Host)
		if err != nil {
			return nil, err
		}
		f.docker = docker
	}
	return f.docker, nil
}
