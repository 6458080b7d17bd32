// Package cli provides the command-line interface for rtdeploy
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rtfleet/rtdeploy/internal/engine"
	"github.com/rtfleet/rtdeploy/pkg/config"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/types"
	"github.com/spf13/cobra"
)

// Exit codes returned by ExitCode
const (
	ExitOK          = 0
	ExitError       = 1
	ExitTasksFailed = 2
	ExitInterrupted = 130
)

// CLI holds the command tree and everything commands share, so tests can
// run several instances side by side.
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	manager  *config.Manager
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer
}

// Execute runs rtdeploy with the process arguments
func Execute(version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).ExecuteContext(context.Background(), os.Args[1:])
}

// ExitCode maps the error returned by Execute to a process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, engine.ErrTasksFailed):
		return ExitTasksFailed
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	default:
		return ExitError
	}
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	err := c.rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(c.errorOut, color.RedString("Error: %v", err))
	}
	return err
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "rtdeploy",
		Short: "Deploy real-time task schedules as containers",
		Long: `rtdeploy fetches a schedule specification repository, validates its task
manifest, builds one container image per task and (re)launches every task
with real-time scheduling grants. The deployed schedule is recorded in Redis
for the execution manager.`,

		PersistentPreRunE: c.initializeConfig,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("rtdeploy {{.Version}}\n")

	c.rootCmd.AddCommand(c.newDeployCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newWaitCmd())
	c.rootCmd.AddCommand(c.newWatchCmd())
	c.rootCmd.AddCommand(c.newDaemonCmd())
	c.rootCmd.AddCommand(c.newConfigCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: ./rtdeploy.yaml or /etc/rtdeploy/rtdeploy.yaml)")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")
}

// initializeConfig creates the configuration manager and binds the flags of
// the command being run. Loading is deferred to loadConfig so commands that
// need no configuration never fail on a broken file.
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	c.logger = c.newLogger("", c.config.Verbosity)
	c.manager = config.NewManager(c.config.ConfigFile)

	if err := c.manager.BindFlag("logging.level", c.rootCmd.PersistentFlags().Lookup("verbosity")); err != nil {
		return err
	}
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := c.manager.BindFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig reads and validates the configuration, then rebuilds the
// logger from it.
func (c *CLI) loadConfig() (*types.AppConfig, error) {
	cfg, err := c.manager.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	c.logger = c.newLogger(cfg.Logging.File, string(cfg.Logging.Level))
	if used := c.manager.ConfigFileUsed(); used != "" {
		c.logger.Debug("Using config file", logger.WithField("file", used))
	}
	return cfg, nil
}

func (c *CLI) newLogger(file, level string) logger.Logger {
	if c.errorOut == os.Stderr {
		return logger.CreateLogger(file, level)
	}
	return logger.CreateLoggerWithOutput(file, level, c.errorOut)
}

// Helper methods for structured output

func (c *CLI) printSuccess(message string, fields ...logger.Field) {
	c.logger.Success(message, fields...)
}

func (c *CLI) printWarning(message string, fields ...logger.Field) {
	c.logger.Warn(message, fields...)
}
