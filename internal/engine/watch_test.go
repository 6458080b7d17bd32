package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rtfleet/rtdeploy/internal/engine"
	"github.com/rtfleet/rtdeploy/pkg/mocks"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// revisionRunner reports whatever revision the fetcher currently serves
type revisionRunner struct {
	fetcher *mocks.MockFetcher
	mu      sync.Mutex
	runs    []string
	err     error
}

func (r *revisionRunner) Run(ctx context.Context) (*engine.Report, error) {
	rev, err := r.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rev)
	return &engine.Report{Revision: rev}, r.err
}

func (r *revisionRunner) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startWatcher(t *testing.T, w *engine.Watcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watcher returned error: %v", err)
		}
	})
	return cancel
}

func TestWatcher_DeploysOnNewRevision(t *testing.T) {
	fetcher := mocks.NewMockFetcher(t.TempDir(), "aaa")
	runner := &revisionRunner{fetcher: fetcher}
	w := engine.NewWatcher(runner, fetcher, mocks.NewMockStore(), 10*time.Millisecond, time.Second, nil)
	startWatcher(t, w)

	waitFor(t, func() bool { return len(runner.Runs()) == 1 })

	// Unchanged revision is not redeployed.
	time.Sleep(50 * time.Millisecond)
	if n := len(runner.Runs()); n != 1 {
		t.Fatalf("expected a single run for an unchanged revision, got %d", n)
	}

	fetcher.SetRevision("bbb")
	waitFor(t, func() bool { return len(runner.Runs()) == 2 })
	if runs := runner.Runs(); runs[1] != "bbb" {
		t.Errorf("expected second run at bbb, got %v", runs)
	}
}

func TestWatcher_SeedsFromStoredRevision(t *testing.T) {
	fetcher := mocks.NewMockFetcher(t.TempDir(), "aaa")
	store := mocks.NewMockStore()
	store.SaveSchedule(context.Background(), &types.Schedule{Name: "demo"}, "aaa")

	runner := &revisionRunner{fetcher: fetcher}
	w := engine.NewWatcher(runner, fetcher, store, 10*time.Millisecond, time.Second, nil)
	startWatcher(t, w)

	time.Sleep(50 * time.Millisecond)
	if n := len(runner.Runs()); n != 0 {
		t.Fatalf("expected no run for the already deployed revision, got %d", n)
	}

	fetcher.SetRevision("ccc")
	waitFor(t, func() bool { return len(runner.Runs()) == 1 })
}

func TestWatcher_RetriesFailedPersist(t *testing.T) {
	fetcher := mocks.NewMockFetcher(t.TempDir(), "aaa")
	runner := &revisionRunner{fetcher: fetcher, err: errors.New("state store unavailable")}
	w := engine.NewWatcher(runner, fetcher, nil, 10*time.Millisecond, time.Second, nil)

	var mu sync.Mutex
	var reports int
	w.OnRun = func(*engine.Report, error) {
		mu.Lock()
		reports++
		mu.Unlock()
	}
	startWatcher(t, w)

	waitFor(t, func() bool { return len(runner.Runs()) >= 2 })
	mu.Lock()
	defer mu.Unlock()
	if reports < 2 {
		t.Errorf("expected OnRun for every attempt, got %d", reports)
	}
}

func TestWatcher_TasksFailedCountsAsDeployed(t *testing.T) {
	fetcher := mocks.NewMockFetcher(t.TempDir(), "aaa")
	runner := &revisionRunner{fetcher: fetcher, err: engine.ErrTasksFailed}
	w := engine.NewWatcher(runner, fetcher, nil, 10*time.Millisecond, time.Second, nil)
	startWatcher(t, w)

	waitFor(t, func() bool { return len(runner.Runs()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(runner.Runs()); n != 1 {
		t.Errorf("expected failed tasks not to trigger a redeploy loop, got %d runs", n)
	}
}
