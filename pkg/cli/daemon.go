package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/daemon"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/spf13/cobra"
)

func (c *CLI) newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Inspect or stop a running watcher",
		Long: `Inspect or stop the rtdeploy watch process recorded in watch.pidFile.
Run the watcher itself under your service manager with 'rtdeploy watch'.`,
	}

	pidFlag := func(cmd *cobra.Command) {
		cmd.Flags().String("pid-file", "", "PID file of the watcher (default watch.pidFile)")
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the watcher is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemonManager()
			if err != nil {
				return err
			}
			status, err := d.Status()
			if err != nil {
				return err
			}
			if !status.Running {
				fmt.Fprintln(c.output, "watcher: not running")
				return nil
			}
			fmt.Fprintf(c.output, "watcher: running (pid %d, since %s)\n",
				status.PID, status.StartTime.Local().Format(time.DateTime))
			return nil
		},
	}
	pidFlag(statusCmd)

	var timeout time.Duration
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the watcher and wait for it to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := c.daemonManager()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := d.Stop(ctx); err != nil {
				return err
			}
			c.printSuccess("Watcher stopped", logger.WithField("pidFile", d.PIDFile()))
			return nil
		},
	}
	pidFlag(stopCmd)
	stopCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the watcher to exit")

	cmd.AddCommand(statusCmd, stopCmd)
	return cmd
}

func (c *CLI) daemonManager() (*daemon.Manager, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Watch.PIDFile == "" {
		return nil, fmt.Errorf("watch.pidFile is not set")
	}
	return daemon.NewManager(cfg.Watch.PIDFile, c.logger), nil
}
