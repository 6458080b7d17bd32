package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rtfleet/rtdeploy/internal/engine"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/process"
	"github.com/rtfleet/rtdeploy/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newDeployCmd() *cobra.Command {
	var opts deployOptions

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Fetch, build and launch every task of the schedule",
		Long: `Run the full deployment pipeline once: fetch the specification repository,
validate the manifest, then materialize, build and launch each task in
dependency order. The schedule is recorded in Redis at the end of the run.

A task that fails is reported and the run moves on to the next one. With
--strict the command exits non-zero when any task was not deployed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDeploy(cmd, opts)
		},
	}

	cmd.Flags().String("order", string(types.OrderDependency), "deployment order (dependency, manifest)")
	cmd.Flags().Int("parallelism", 1, "tasks deployed concurrently within a dependency level (requires --isolated)")
	cmd.Flags().Bool("isolated", false, "give every task a private copy of the build context")
	cmd.Flags().Bool("strict", false, "exit non-zero when any task fails")
	cmd.Flags().BoolVar(&opts.skipFetch, "skip-fetch", false, "use the existing checkout at repository.path")

	return cmd
}

func (c *CLI) runDeploy(cmd *cobra.Command, opts deployOptions) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	pm := process.NewManager(c.logger)
	ctx := pm.Start(cmd.Context())
	defer pm.Stop()

	factory := engine.NewDependencyFactory(cfg, c.logger, nil)
	defer factory.Close()
	deps, err := factory.CreateDefaults(opts.skipFetch)
	if err != nil {
		return err
	}
	defer deps.Store.Close()

	pipeline, err := engine.NewPipeline(cfg, deps, c.logger)
	if err != nil {
		return err
	}

	report, err := pipeline.Run(ctx)
	if report != nil {
		writeReport(c.output, report)
	}
	if sig := pm.Signaled(); sig != nil {
		c.printWarning("Deployment interrupted", logger.WithField("signal", sig.String()))
	}
	return err
}

// writeReport prints the per-task outcome of a run
func writeReport(out io.Writer, report *engine.Report) {
	deployed, failed, skipped := report.Counts()
	fmt.Fprintf(out, "Run %s at %s: %d deployed, %d failed, %d skipped in %s\n\n",
		report.RunID, shortRev(report.Revision), deployed, failed, skipped,
		report.Duration.Round(time.Millisecond))
	writeDeployments(out, report.Deployments)
}

// writeDeployments prints deployment records as a table
func writeDeployments(out io.Writer, deployments []types.Deployment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tSTAGE\tIMAGE\tCONTAINER\tDURATION\tERROR")
	fmt.Fprintln(w, "----\t------\t-----\t-----\t---------\t--------\t-----")

	for _, d := range deployments {
		errMsg := "-"
		if d.Error != "" {
			errMsg = firstLine(d.Error)
		}
		if len(d.FailedDeps) > 0 {
			errMsg = fmt.Sprintf("%s (failed deps: %s)", errMsg, strings.Join(d.FailedDeps, ", "))
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Task,
			statusColor(d.Status),
			orDash(string(d.Stage)),
			orDash(d.Image),
			orDash(shortID(d.ContainerID)),
			d.Duration.Round(time.Millisecond),
			errMsg,
		)
	}

	w.Flush()
}

func statusColor(status types.DeployStatus) string {
	s := string(status)
	switch status {
	case types.DeployStatusDeployed:
		return color.GreenString(s)
	case types.DeployStatusFailed:
		return color.RedString(s)
	case types.DeployStatusSkipped:
		return color.YellowString(s)
	default:
		return color.WhiteString(orDash(s))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func shortRev(rev string) string {
	if rev == "" {
		return "working tree"
	}
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
