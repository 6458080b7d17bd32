package cli

import "time"

// Config holds the command line options shared by every command
type Config struct {
	ConfigFile string
	Verbosity  string
	Version    string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		Verbosity: "info",
		Version:   "dev",
	}
}

// deployOptions are the flags of the deploy and watch commands that are
// not configuration keys
type deployOptions struct {
	skipFetch bool
}

// waitOptions configure the wait command
type waitOptions struct {
	timeout time.Duration
	poll    time.Duration
}

// flagKeys maps command flags onto the configuration keys they override
var flagKeys = map[string]string{
	"order":        "deploy.order",
	"parallelism":  "deploy.parallelism",
	"strict":       "deploy.strict",
	"isolated":     "build.isolated",
	"interval":     "watch.interval",
	"metrics-addr": "metrics.addr",
	"pid-file":     "watch.pidFile",
}
