package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rtfleet/rtdeploy/pkg/fetch"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/state"
)

// Runner performs one deployment run
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Watcher re-deploys whenever the specification repository moves to a new
// revision.
type Watcher struct {
	runner   Runner
	fetcher  fetch.Fetcher
	store    state.Store
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger

	// OnRun, if set, is called after every run
	OnRun func(*Report, error)
}

// NewWatcher creates a watcher polling fetcher every interval. The
// revision recorded in store seeds the comparison, so a restart does not
// redeploy an unchanged schedule.
func NewWatcher(runner Runner, fetcher fetch.Fetcher, store state.Store, interval, fetchTimeout time.Duration, log logger.Logger) *Watcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Watcher{
		runner:   runner,
		fetcher:  fetcher,
		store:    store,
		interval: interval,
		timeout:  fetchTimeout,
		logger:   log,
	}
}

// Run polls until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	deployed := w.storedRevision(ctx)
	if deployed != "" {
		w.logger.Info("Watching for changes",
			logger.WithField("deployed", shortRevision(deployed)),
			logger.WithField("interval", w.interval.String()))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		deployed = w.poll(ctx, deployed)

		select {
		case <-ctx.Done():
			w.logger.Info("Stopped watching")
			return nil
		case <-ticker.C:
		}
	}
}

// poll checks the repository once and deploys if its revision moved. It
// returns the revision now considered deployed.
func (w *Watcher) poll(ctx context.Context, deployed string) string {
	fetchCtx, cancel := context.WithTimeout(ctx, w.timeout)
	revision, err := w.fetcher.Fetch(fetchCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to check specification repository", logger.WithError(err))
		}
		return deployed
	}
	if revision != "" && revision == deployed {
		w.logger.Debug("No new revision", logger.WithField("revision", shortRevision(revision)))
		return deployed
	}

	w.logger.Info("New revision, deploying",
		logger.WithField("revision", shortRevision(revision)),
		logger.WithField("previous", shortRevision(deployed)))

	report, err := w.runner.Run(ctx)
	if w.OnRun != nil {
		w.OnRun(report, err)
	}
	if report == nil {
		// Aborted before deploying; retry on the next tick.
		return deployed
	}
	if err != nil && !errors.Is(err, ErrTasksFailed) {
		return deployed
	}
	return report.Revision
}

func (w *Watcher) storedRevision(ctx context.Context) string {
	if w.store == nil {
		return ""
	}
	loadCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	snap, err := w.store.LoadSchedule(loadCtx)
	switch {
	case errors.Is(err, state.ErrScheduleNotFound):
		return ""
	case err != nil:
		w.logger.Warn("Could not read deployed revision", logger.WithError(err))
		return ""
	}
	return snap.Revision
}
