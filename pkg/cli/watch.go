package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rtfleet/rtdeploy/internal/engine"
	"github.com/rtfleet/rtdeploy/pkg/config"
	"github.com/rtfleet/rtdeploy/pkg/daemon"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/metrics"
	"github.com/rtfleet/rtdeploy/pkg/process"
	"github.com/rtfleet/rtdeploy/pkg/types"
	"github.com/spf13/cobra"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Redeploy whenever the specification repository changes",
		Long: `Start rtdeploy in watch mode. The specification repository is fetched every
watch.interval and the schedule is redeployed when its revision moves. The
revision recorded in Redis is used as the starting point, so restarting the
watcher does not redeploy an unchanged schedule.

Prometheus metrics are served on metrics.addr when it is set. The log level
follows changes to the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd)
		},
	}

	cmd.Flags().String("order", string(types.OrderDependency), "deployment order (dependency, manifest)")
	cmd.Flags().Int("parallelism", 1, "tasks deployed concurrently within a dependency level (requires --isolated)")
	cmd.Flags().Bool("isolated", false, "give every task a private copy of the build context")
	cmd.Flags().Duration("interval", time.Minute, "how often to check the repository")
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().String("pid-file", "", "record the watcher PID in this file")

	return cmd
}

func (c *CLI) runWatch(cmd *cobra.Command) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	if cfg.Watch.PIDFile != "" {
		d := daemon.NewManager(cfg.Watch.PIDFile, c.logger)
		if err := d.Claim(); err != nil {
			return err
		}
		defer d.Release()
	}

	pm := process.NewManager(c.logger)
	ctx := pm.Start(cmd.Context())
	defer pm.Stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := engine.NewDependencyFactory(cfg, c.logger, registry)
	deps, err := factory.CreateDefaults(false)
	if err != nil {
		return err
	}
	pm.RegisterShutdownHandler(func() {
		deps.Store.Close()
		factory.Close()
	})

	pipeline, err := engine.NewPipeline(cfg, deps, c.logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		c.serveMetrics(cfg.Metrics.Addr, registry, pm)
	}
	c.followLogLevel(pm)

	watcher := engine.NewWatcher(pipeline, deps.Fetcher, deps.Store, cfg.Watch.Interval, cfg.Timeouts.Fetch, c.logger)
	watcher.OnRun = func(report *engine.Report, err error) {
		if report != nil {
			writeReport(c.output, report)
		}
	}

	c.logger.Info("Starting rtdeploy watch",
		logger.WithField("version", c.config.Version),
		logger.WithField("repository", cfg.Repository.URL),
		logger.WithField("interval", cfg.Watch.Interval.String()))

	if err := watcher.Run(ctx); err != nil {
		return err
	}
	if sig := pm.Signaled(); sig != nil {
		c.logger.Info("Received signal", logger.WithField("signal", sig.String()))
	}
	c.printSuccess("rtdeploy stopped gracefully")
	return nil
}

func (c *CLI) serveMetrics(addr string, registry *prometheus.Registry, pm *process.Manager) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		c.logger.Info("Serving metrics", logger.WithField("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Metrics server failed", logger.WithError(err))
		}
	}()

	pm.RegisterShutdownHandler(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			c.logger.Warn("Metrics server shutdown", logger.WithError(err))
		}
	})
}

// followLogLevel applies logging.level from the configuration file whenever
// the file changes
func (c *CLI) followLogLevel(pm *process.Manager) {
	path := c.manager.ConfigFileUsed()
	if path == "" {
		return
	}
	setter, ok := c.logger.(logger.LevelSetter)
	if !ok {
		return
	}

	reload := config.NewReloadManager(c.manager, path, c.logger)
	reload.AddCallback(func(cfg *types.AppConfig, err error) {
		if err != nil {
			c.printWarning("Ignoring invalid configuration change", logger.WithError(err))
			return
		}
		if err := setter.SetLevel(string(cfg.Logging.Level)); err != nil {
			c.printWarning("Could not change log level", logger.WithError(err))
			return
		}
		c.logger.Info("Log level changed", logger.WithField("level", string(cfg.Logging.Level)))
	})

	if err := reload.StartWatching(); err != nil {
		c.printWarning("Not watching configuration file", logger.WithError(err))
		return
	}
	pm.RegisterShutdownHandler(func() { reload.StopWatching() })
}
