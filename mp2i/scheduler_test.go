package mp2i

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "idle", syncStateIdle.String())
	assert.Equal(t, "running", syncStateRunning.String())
	assert.Equal(t, "backoff", syncStateBackoff.String())
	assert.Contains(t, syncState(99).String(), "unknown")
}

func TestNextBackoffDoublesToCap(t *testing.T) {
	t.Parallel()
	cfg := testSyncConfig()
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 45 * time.Millisecond
	s := newScheduler(nil, nil, nil, cfg, nil)

	assert.Equal(t, 10*time.Millisecond, s.nextBackoff())
	assert.Equal(t, 20*time.Millisecond, s.nextBackoff())
	assert.Equal(t, 40*time.Millisecond, s.nextBackoff())
	// capped
	assert.Equal(t, 45*time.Millisecond, s.nextBackoff())
	assert.Equal(t, 45*time.Millisecond, s.nextBackoff())

	s.resetBackoff()
	assert.Equal(t, 10*time.Millisecond, s.nextBackoff())
}

func TestSchedulerBackoffAndRecovery(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)
	now := time.Now().UTC()

	// first pass fails, retry succeeds
	source := &fakeEventSource{
		snapshots: [][]RawEvent{
			nil,
			{testRawEvent("evt-1", now.Add(time.Hour))},
		},
		errs: []error{ErrSourceUnavailable},
	}
	cfg := testSyncConfig()
	rec := newReconciler(writeDB, source, cfg, nil)
	s := newScheduler(rec, nil, nil, cfg, nil)

	ctx := context.Background()
	s.runReconcilePass(ctx)
	assert.Equal(t, syncStateBackoff, syncState(s.state.Load()))

	status := s.Status()
	assert.Equal(t, "backoff", status.State)
	assert.Contains(t, status.LastError, "unavailable")
	assert.Equal(t, cfg.BackoffBase, status.CurrentBackoff.Duration)

	// the retry timer fires and the pass succeeds
	require.Eventually(
		t, func() bool {
			return syncState(s.state.Load()) == syncStateIdle &&
				source.fetchCount() >= 2
		},
		2*time.Second,
		5*time.Millisecond,
	)

	status = s.Status()
	assert.Equal(t, "idle", status.State)
	assert.Empty(t, status.LastError)
	assert.Zero(t, status.CurrentBackoff.Duration)
	require.NotNil(t, status.LastRunStats)
	assert.Equal(t, 1, status.LastRunStats.Created)
}

func TestSchedulerRetryDoesNotStack(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)

	// two failures, then success
	source := &fakeEventSource{
		snapshots: [][]RawEvent{nil, nil, nil},
		errs:      []error{ErrSourceUnavailable, ErrSourceUnavailable},
	}
	cfg := testSyncConfig()
	cfg.BackoffBase = 200 * time.Millisecond
	cfg.BackoffMax = time.Second
	rec := newReconciler(writeDB, source, cfg, nil)
	s := newScheduler(rec, nil, nil, cfg, nil)

	ctx := context.Background()

	// the first failure arms a retry; a second pass forced mid-backoff
	// (the /api/sync/run path) fails too and must replace that retry
	// rather than leave both pending
	s.runReconcilePass(ctx)
	s.runReconcilePass(ctx)
	require.Equal(t, 2, source.fetchCount())

	require.Eventually(
		t, func() bool {
			return source.fetchCount() == 3 &&
				syncState(s.state.Load()) == syncStateIdle
		},
		2*time.Second,
		10*time.Millisecond,
	)

	// a stacked timer from the first failure would fire a fourth pass
	time.Sleep(2 * cfg.BackoffMax)
	assert.Equal(t, 3, source.fetchCount())
}

func TestSchedulerAuthErrorPauses(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)

	source := &fakeEventSource{
		snapshots: [][]RawEvent{nil},
		errs:      []error{ErrSourceAuthError},
	}
	cfg := testSyncConfig()
	rec := newReconciler(writeDB, source, cfg, nil)
	s := newScheduler(rec, nil, nil, cfg, nil)

	ctx := context.Background()
	s.runReconcilePass(ctx)

	assert.True(t, s.Paused())
	assert.Equal(t, syncStateIdle, syncState(s.state.Load()))
	assert.Equal(t, 1, source.fetchCount())

	// paused: further passes don't touch the source
	s.runReconcilePass(ctx)
	assert.Equal(t, 1, source.fetchCount())
}

func TestSchedulerResume(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)
	now := time.Now().UTC()

	source := &fakeEventSource{
		snapshots: [][]RawEvent{
			nil,
			{testRawEvent("evt-1", now.Add(time.Hour))},
		},
		errs: []error{ErrSourceAuthError},
	}
	cfg := testSyncConfig()
	rec := newReconciler(writeDB, source, cfg, nil)
	s := newScheduler(rec, nil, nil, cfg, nil)

	ctx := context.Background()
	s.runReconcilePass(ctx)
	require.True(t, s.Paused())

	// Resume on an unpaused scheduler is a no-op
	require.True(t, s.Resume(ctx))
	assert.False(t, s.Resume(ctx))

	require.Eventually(
		t, func() bool {
			return source.fetchCount() >= 2
		},
		2*time.Second,
		5*time.Millisecond,
	)
	assert.False(t, s.Paused())
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)
	now := time.Now().UTC()

	source := &fakeEventSource{
		snapshots: [][]RawEvent{
			{testRawEvent("evt-1", now.Add(time.Hour))},
		},
	}
	cfg := testSyncConfig()
	cfg.ReconcileInterval = time.Minute
	cfg.NotificationScanInterval = time.Minute

	config := DefaultTestConfig(t)
	rec := newReconciler(writeDB, source, cfg, nil)
	n := newNotifier(writeDB, testDiscord(t, &fakeSessionHandler{}), config, nil)
	s := newScheduler(rec, n, nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// the startup catch-up pass runs immediately
	require.Eventually(
		t, func() bool {
			return source.fetchCount() >= 1
		},
		2*time.Second,
		5*time.Millisecond,
	)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
