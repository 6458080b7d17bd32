package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rtfleet/rtdeploy/internal/engine"
	"github.com/rtfleet/rtdeploy/pkg/config"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/manifest"
	"github.com/rtfleet/rtdeploy/pkg/state"
	"github.com/rtfleet/rtdeploy/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (c *CLI) newValidateCmd() *cobra.Command {
	var opts deployOptions

	cmd := &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Validate the task manifest and print the deployment order",
		Long: `Parse and validate a task manifest, including its dependency graph, and
print the order tasks would be deployed in. Nothing is built or launched.

Without an argument the specification repository is fetched first and its
manifest is validated.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			return c.runValidate(cmd.Context(), path, opts)
		},
	}

	cmd.Flags().String("order", string(types.OrderDependency), "deployment order (dependency, manifest)")
	cmd.Flags().BoolVar(&opts.skipFetch, "skip-fetch", false, "use the existing checkout at repository.path")

	return cmd
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the deployed schedule and the last outcome of every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(cmd.Context())
		},
	}
}

func (c *CLI) newWaitCmd() *cobra.Command {
	var opts waitOptions

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until a schedule has been deployed",
		Long: `Block until the state store holds a deployed schedule. This is what the
execution manager does before reading its tasks, and is useful in scripts
that start it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWait(cmd.Context(), opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 5*time.Minute, "give up after this long (0 waits forever)")
	cmd.Flags().DurationVar(&opts.poll, "poll-interval", time.Second, "polling interval")

	return cmd
}

func (c *CLI) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the rtdeploy configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with every default value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileName + ".yaml"
			if c.config.ConfigFile != "" {
				path = c.config.ConfigFile
			}
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			c.printSuccess("Wrote default configuration", logger.WithField("file", path))
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = c.output.Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rtdeploy",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "rtdeploy %s\n", c.config.Version)
		},
	}
}

// Implementation functions

func (c *CLI) runValidate(ctx context.Context, path string, opts deployOptions) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	revision := ""
	if path == "" {
		fetcher := engine.NewDependencyFactory(cfg, c.logger, nil).CreateFetcher(opts.skipFetch)
		fetchCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Fetch)
		revision, err = fetcher.Fetch(fetchCtx)
		cancel()
		if err != nil {
			return err
		}
		path = filepath.Join(fetcher.Path(), cfg.Repository.Manifest)
	}

	schedule, err := manifest.ParseFile(path)
	if err != nil {
		return err
	}
	graph, err := manifest.BuildGraph(schedule)
	if err != nil {
		return err
	}

	order := graph.Order()
	if cfg.Deploy.Order == types.OrderManifest {
		order = schedule.Tasks
	}

	fmt.Fprintf(c.output, "Schedule %s %s (%d tasks)", schedule.Name, schedule.Version, len(schedule.Tasks))
	if revision != "" {
		fmt.Fprintf(c.output, " at %s", shortRev(revision))
	}
	fmt.Fprintln(c.output)
	if schedule.Description != "" {
		fmt.Fprintln(c.output, schedule.Description)
	}
	fmt.Fprintln(c.output)

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTASK\tPOLICY\tPRIORITY\tDEPENDS ON")
	for i, task := range order {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			i+1, task.Name, task.Policy, task.Priority, orDash(strings.Join(task.DependsOn, ", ")))
	}
	w.Flush()

	c.printSuccess("Manifest is valid",
		logger.WithField("file", path),
		logger.WithField("order", string(cfg.Deploy.Order)))
	return nil
}

func (c *CLI) runStatus(ctx context.Context) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	store := engine.NewDependencyFactory(cfg, c.logger, nil).CreateStore()
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeouts.State)
	defer cancel()

	snap, err := store.LoadSchedule(ctx)
	if errors.Is(err, state.ErrScheduleNotFound) {
		c.printWarning("No schedule deployed yet", logger.WithField("redis", cfg.Redis.Addr))
		return nil
	}
	if err != nil {
		return err
	}

	deployments, err := store.LoadDeployments(ctx, snap.Schedule.TaskNames())
	if err != nil {
		return err
	}
	byTask := make(map[string]types.Deployment, len(deployments))
	for _, d := range deployments {
		byTask[d.Task] = d
	}

	updated := "-"
	if !snap.UpdatedAt.IsZero() {
		updated = snap.UpdatedAt.Local().Format(time.DateTime)
	}
	fmt.Fprintf(c.output, "Schedule:  %s %s\n", snap.Schedule.Name, snap.Schedule.Version)
	if snap.Schedule.Description != "" {
		fmt.Fprintf(c.output, "           %s\n", snap.Schedule.Description)
	}
	fmt.Fprintf(c.output, "Revision:  %s\n", orDash(snap.Revision))
	fmt.Fprintf(c.output, "Updated:   %s\n\n", updated)

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTASK\tPOLICY\tPRIORITY\tDEPENDS ON\tSTATUS\tLAST DEPLOY\tCONTAINER")
	fmt.Fprintln(w, "-\t----\t------\t--------\t----------\t------\t-----------\t---------")

	for i, task := range snap.Schedule.Tasks {
		d, ok := byTask[task.Name]
		lastDeploy := "-"
		if ok && !d.Timestamp.IsZero() {
			lastDeploy = d.Timestamp.Local().Format(time.DateTime)
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			i+1,
			task.Name,
			task.Policy,
			task.Priority,
			orDash(strings.Join(task.DependsOn, ", ")),
			statusColor(d.Status),
			lastDeploy,
			orDash(shortID(d.ContainerID)),
		)
	}

	w.Flush()
	return nil
}

func (c *CLI) runWait(ctx context.Context, opts waitOptions) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	store := engine.NewDependencyFactory(cfg, c.logger, nil).CreateStore()
	defer store.Close()

	waiter, ok := store.(state.Waiter)
	if !ok {
		return fmt.Errorf("state store cannot wait for a schedule")
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := waiter.WaitForSchedule(ctx, opts.poll); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("no schedule deployed after %s", opts.timeout)
		}
		return err
	}

	c.printSuccess("Schedule is deployed",
		logger.WithField("waited", time.Since(start).Round(time.Millisecond).String()))
	return nil
}
