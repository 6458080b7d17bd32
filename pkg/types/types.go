// Package types provides core types and configurations for rtdeploy
package types

import (
	"fmt"
	"strings"
	"time"
)

// Policy represents a real-time scheduling policy declared by a task
type Policy string

const (
	PolicyFIFO Policy = "fifo"
	PolicyRR   Policy = "rr"
)

// ParsePolicy normalizes a manifest policy value and reports whether it is supported
func ParsePolicy(raw string) (Policy, bool) {
	p := Policy(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PolicyFIFO, PolicyRR:
		return p, true
	default:
		return p, false
	}
}

// Schedule defaults applied when the manifest omits them
const (
	DefaultScheduleName    = "unnamed"
	DefaultScheduleVersion = "0.0.0"
)

// Task is a unit of real-time work declared in a schedule manifest
type Task struct {
	Name      string   `json:"name" yaml:"name"`
	Policy    Policy   `json:"policy" yaml:"policy"`
	Priority  int      `json:"priority" yaml:"priority"`
	DependsOn []string `json:"depends_on" yaml:"depends_on"`
	Inputs    []string `json:"inputs" yaml:"inputs"`
	Outputs   []string `json:"outputs" yaml:"outputs"`
}

// Schedule is the validated, ordered set of tasks for one pipeline run
type Schedule struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`
	Tasks       []Task `json:"tasks" yaml:"tasks"`
}

// TaskNames returns the task names in schedule order
func (s *Schedule) TaskNames() []string {
	names := make([]string, len(s.Tasks))
	for i, t := range s.Tasks {
		names[i] = t.Name
	}
	return names
}

// Lookup finds a task by name
func (s *Schedule) Lookup(name string) (Task, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}

// Stage identifies a step of the per-task deployment
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageParse       Stage = "parse"
	StageMaterialize Stage = "materialize"
	StageBuild       Stage = "build"
	StageRun         Stage = "run"
	StagePersist     Stage = "persist"
)

// DeployStatus represents the outcome of deploying a single task
type DeployStatus string

const (
	DeployStatusDeployed DeployStatus = "deployed"
	DeployStatusFailed   DeployStatus = "failed"
	DeployStatusSkipped  DeployStatus = "skipped"
)

// Deployment records what happened to one task during a run
type Deployment struct {
	Task        string        `json:"task"`
	Status      DeployStatus  `json:"status"`
	Stage       Stage         `json:"stage,omitempty"`
	Image       string        `json:"image,omitempty"`
	ContainerID string        `json:"containerId,omitempty"`
	Error       string        `json:"error,omitempty"`
	FailedDeps  []string      `json:"failedDeps,omitempty"`
	Duration    time.Duration `json:"duration"`
	RunID       string        `json:"runId"`
	Timestamp   time.Time     `json:"timestamp"`
}

// OrderMode selects how tasks are sequenced for deployment
type OrderMode string

const (
	OrderDependency OrderMode = "dependency"
	OrderManifest   OrderMode = "manifest"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// RepositoryConfig locates the specification repository
type RepositoryConfig struct {
	URL      string `mapstructure:"url" json:"url" yaml:"url"`
	Path     string `mapstructure:"path" json:"path" yaml:"path"`
	Branch   string `mapstructure:"branch" json:"branch,omitempty" yaml:"branch,omitempty"`
	Manifest string `mapstructure:"manifest" json:"manifest" yaml:"manifest"`
}

// BuildConfig describes the task-service build context and image naming
type BuildConfig struct {
	Context       string `mapstructure:"context" json:"context" yaml:"context"`
	IncludeDir    string `mapstructure:"includeDir" json:"includeDir" yaml:"includeDir"`
	EntryFile     string `mapstructure:"entryFile" json:"entryFile" yaml:"entryFile"`
	ImagePrefix   string `mapstructure:"imagePrefix" json:"imagePrefix,omitempty" yaml:"imagePrefix,omitempty"`
	QueuePrefix   string `mapstructure:"queuePrefix" json:"queuePrefix" yaml:"queuePrefix"`
	Isolated      bool   `mapstructure:"isolated" json:"isolated" yaml:"isolated"`
	WorkspaceRoot string `mapstructure:"workspaceRoot" json:"workspaceRoot" yaml:"workspaceRoot"`
	LogDir        string `mapstructure:"logDir" json:"logDir" yaml:"logDir"`
}

// RuntimeConfig holds the real-time grants requested for task containers
type RuntimeConfig struct {
	// Host is the Engine API address; empty uses DOCKER_HOST or the local socket
	Host         string   `mapstructure:"host" json:"host" yaml:"host"`
	CPUSet       string   `mapstructure:"cpuset" json:"cpuset" yaml:"cpuset"`
	RTPrio       int      `mapstructure:"rtprio" json:"rtprio" yaml:"rtprio"`
	IPCMode      string   `mapstructure:"ipcMode" json:"ipcMode" yaml:"ipcMode"`
	Capabilities []string `mapstructure:"capabilities" json:"capabilities" yaml:"capabilities"`
}

// RedisConfig contains the state store connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr" yaml:"addr"`
	Password string `mapstructure:"password" json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db" yaml:"db"`
}

// TimeoutConfig bounds every blocking call to an external collaborator
type TimeoutConfig struct {
	Fetch time.Duration `mapstructure:"fetch" json:"fetch" yaml:"fetch"`
	Build time.Duration `mapstructure:"build" json:"build" yaml:"build"`
	Run   time.Duration `mapstructure:"run" json:"run" yaml:"run"`
	State time.Duration `mapstructure:"state" json:"state" yaml:"state"`
}

// DeployConfig controls ordering and failure policy of the pipeline
type DeployConfig struct {
	Order       OrderMode `mapstructure:"order" json:"order" yaml:"order"`
	Parallelism int       `mapstructure:"parallelism" json:"parallelism" yaml:"parallelism"`
	Strict      bool      `mapstructure:"strict" json:"strict" yaml:"strict"`
	LockFile    string    `mapstructure:"lockFile" json:"lockFile" yaml:"lockFile"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `mapstructure:"file" json:"file" yaml:"file"`
	Level LogLevel `mapstructure:"level" json:"level" yaml:"level"`
}

// MetricsConfig configures the Prometheus endpoint used in watch mode
type MetricsConfig struct {
	Addr string `mapstructure:"addr" json:"addr,omitempty" yaml:"addr,omitempty"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

// WatchConfig configures the re-deploy loop
type WatchConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	PIDFile  string        `mapstructure:"pidFile" json:"pidFile" yaml:"pidFile"`
}

// AppConfig represents the main configuration
type AppConfig struct {
	Repository    RepositoryConfig   `mapstructure:"repository" json:"repository" yaml:"repository"`
	Build         BuildConfig        `mapstructure:"build" json:"build" yaml:"build"`
	Runtime       RuntimeConfig      `mapstructure:"runtime" json:"runtime" yaml:"runtime"`
	Redis         RedisConfig        `mapstructure:"redis" json:"redis" yaml:"redis"`
	Timeouts      TimeoutConfig      `mapstructure:"timeouts" json:"timeouts" yaml:"timeouts"`
	Deploy        DeployConfig       `mapstructure:"deploy" json:"deploy" yaml:"deploy"`
	Logging       LoggingConfig      `mapstructure:"logging" json:"logging" yaml:"logging"`
	Metrics       MetricsConfig      `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	Notifications NotificationConfig `mapstructure:"notifications" json:"notifications" yaml:"notifications"`
	Watch         WatchConfig        `mapstructure:"watch" json:"watch" yaml:"watch"`
}

// ImageTag derives the image reference built for a task
func (c *BuildConfig) ImageTag(taskName string) string {
	tag := c.ImagePrefix + taskName
	if strings.Contains(taskName, ":") {
		return tag
	}
	return fmt.Sprintf("%s:latest", tag)
}
