package mp2i

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
)

// syncState is the scheduler's reconciliation state. There is no terminal
// failure state: every failure either backs off and retries, or pauses
// until an operator resumes.
type syncState int32

const (
	syncStateIdle syncState = iota
	syncStateRunning
	syncStateBackoff
)

func (s syncState) String() string {
	switch s {
	case syncStateIdle:
		return "idle"
	case syncStateRunning:
		return "running"
	case syncStateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("unknown (%d)", int32(s))
	}
}

// SchedulerStatus is a snapshot of the scheduler for the operational API.
type SchedulerStatus struct {
	State          string          `json:"state"`
	Paused         bool            `json:"paused"`
	LastRunAt      int64           `json:"last_run_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CurrentBackoff Duration        `json:"current_backoff,omitempty"`
	LastRunStats   *reconcileStats `json:"last_run_stats,omitempty"`
}

// scheduler drives the two cadences of the sync engine: coarse
// reconciliation passes against the calendar source, and fine scans of
// the store for due reminders. The two never overlap; a shared mutex
// serializes them.
//
// Transient source failures move the scheduler into a backoff state with
// an exponentially growing retry delay. An auth failure instead pauses
// reconciliation entirely and alerts the operators, since retrying bad
// credentials only burns quota. Notification scans keep running while
// reconciliation is paused, working from the last good snapshot.
type scheduler struct {
	reconciler *reconciler
	notifier   *notifier
	discord    *Discord
	config     *SyncConfig
	logger     *slog.Logger

	cron *cron.Cron

	// passMu serializes reconciliation passes and notification scans
	passMu sync.Mutex

	state  atomic.Int32
	paused atomic.Bool

	// retryMu guards the backoff bookkeeping below
	retryMu      sync.Mutex
	backoffDelay time.Duration
	retryTimer   *time.Timer

	statusMu  sync.Mutex
	lastRunAt time.Time
	lastErr   error
	lastStats reconcileStats
}

func newScheduler(
	reconciler *reconciler,
	notifier *notifier,
	discord *Discord,
	config *SyncConfig,
	logger *slog.Logger,
) *scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &scheduler{
		reconciler: reconciler,
		notifier:   notifier,
		discord:    discord,
		config:     config,
		logger:     logger.With(loggerNameKey, "scheduler"),
	}
}

// Run starts both cadences and blocks until ctx is canceled. A catch-up
// reconciliation pass and notification scan run immediately on startup,
// so reminders missed during downtime go out without waiting a full
// interval.
func (s *scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(
		ctx,
		"starting scheduler",
		"reconcile_interval", s.config.ReconcileInterval,
		"notification_scan_interval", s.config.NotificationScanInterval,
	)

	s.runReconcilePass(ctx)
	s.runNotificationScan(ctx)

	s.cron = cron.New()
	_, err := s.cron.AddFunc(
		fmt.Sprintf("@every %s", s.config.ReconcileInterval),
		func() {
			s.triggerReconcile(ctx)
		},
	)
	if err != nil {
		return fmt.Errorf("error scheduling reconciliation: %w", err)
	}
	_, err = s.cron.AddFunc(
		fmt.Sprintf("@every %s", s.config.NotificationScanInterval),
		func() {
			s.runNotificationScan(ctx)
		},
	)
	if err != nil {
		return fmt.Errorf("error scheduling notification scan: %w", err)
	}
	s.cron.Start()

	<-ctx.Done()

	cronCtx := s.cron.Stop()
	s.retryMu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryMu.Unlock()
	<-cronCtx.Done()

	s.logger.Info("scheduler stopped")
	return nil
}

// triggerReconcile is the cron entrypoint for the coarse cadence. While
// backing off, the regular cadence is suppressed; the retry timer owns
// the next attempt.
func (s *scheduler) triggerReconcile(ctx context.Context) {
	if syncState(s.state.Load()) == syncStateBackoff {
		s.logger.Debug("skipping scheduled pass, retry pending")
		return
	}
	s.runReconcilePass(ctx)
}

// runReconcilePass executes one reconciliation pass and handles the
// state transition for its outcome.
func (s *scheduler) runReconcilePass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.paused.Load() {
		s.logger.Debug("reconciliation paused, skipping pass")
		return
	}

	s.passMu.Lock()
	defer s.passMu.Unlock()

	// correlates the log lines of one pass
	logger := s.logger.With("pass_id", uuid.NewString())
	ctx = WithLogger(ctx, logger)

	s.state.Store(int32(syncStateRunning))
	stats, err := s.reconciler.Run(ctx)

	s.statusMu.Lock()
	s.lastRunAt = time.Now().UTC()
	s.lastErr = err
	s.lastStats = stats
	s.statusMu.Unlock()

	if err == nil {
		s.state.Store(int32(syncStateIdle))
		s.resetBackoff()
		return
	}

	if errors.Is(err, ErrSourceAuthError) {
		s.state.Store(int32(syncStateIdle))
		s.resetBackoff()
		s.pauseForAuthError(ctx, err)
		return
	}

	s.state.Store(int32(syncStateBackoff))
	delay := s.nextBackoff()
	logger.WarnContext(
		ctx,
		"reconciliation pass failed, backing off",
		tint.Err(err),
		"retry_in", delay,
	)

	s.retryMu.Lock()
	// a pass triggered mid-backoff (via the API) may land here with a
	// retry already pending; replace it instead of stacking another
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(
		delay, func() {
			s.state.Store(int32(syncStateIdle))
			s.runReconcilePass(ctx)
		},
	)
	s.retryMu.Unlock()
}

// runNotificationScan executes one due-reminder scan. Scan errors are
// logged but never change the reconciliation state; undelivered events
// stay unnotified and are picked up by the next scan.
func (s *scheduler) runNotificationScan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.passMu.Lock()
	defer s.passMu.Unlock()

	sent, err := s.notifier.Scan(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "notification scan error", tint.Err(err))
	}
	if sent > 0 {
		s.logger.InfoContext(ctx, "sent reminders", "count", sent)
	}
}

// pauseForAuthError stops further reconciliation attempts and alerts the
// operators. Bad credentials don't fix themselves; the pause holds until
// Resume is called.
func (s *scheduler) pauseForAuthError(ctx context.Context, err error) {
	if s.paused.Swap(true) {
		return
	}
	s.logger.ErrorContext(
		ctx,
		"calendar source rejected credentials, pausing reconciliation",
		tint.Err(err),
	)
	if s.discord != nil {
		alert := ":rotating_light: Calendar sync paused: the calendar " +
			"source rejected our credentials. Reminders for already-synced " +
			"events will still go out. Re-authorize and resume sync via " +
			"the API."
		if alertErr := s.discord.operatorAlert(alert); alertErr != nil {
			s.logger.ErrorContext(
				ctx,
				"error sending operator alert",
				tint.Err(alertErr),
			)
		}
	}
}

// Paused reports whether reconciliation is paused pending operator action.
func (s *scheduler) Paused() bool {
	return s.paused.Load()
}

// Resume clears an auth-error pause and immediately runs a pass in a new
// goroutine. Returns false if the scheduler wasn't paused.
func (s *scheduler) Resume(ctx context.Context) bool {
	if !s.paused.Swap(false) {
		return false
	}
	s.logger.InfoContext(ctx, "resuming reconciliation")
	s.resetBackoff()
	go s.runReconcilePass(ctx)
	return true
}

// nextBackoff returns the delay before the next retry, doubling each
// consecutive failure up to the configured cap.
func (s *scheduler) nextBackoff() time.Duration {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.backoffDelay == 0 {
		s.backoffDelay = s.config.BackoffBase
	} else {
		s.backoffDelay *= 2
	}
	if s.backoffDelay > s.config.BackoffMax {
		s.backoffDelay = s.config.BackoffMax
	}
	return s.backoffDelay
}

func (s *scheduler) resetBackoff() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.backoffDelay = 0
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// Status returns a snapshot for the operational API.
func (s *scheduler) Status() SchedulerStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	status := SchedulerStatus{
		State:  syncState(s.state.Load()).String(),
		Paused: s.paused.Load(),
	}
	if !s.lastRunAt.IsZero() {
		status.LastRunAt = s.lastRunAt.UnixMilli()
		stats := s.lastStats
		status.LastRunStats = &stats
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}

	s.retryMu.Lock()
	status.CurrentBackoff = Duration{s.backoffDelay}
	s.retryMu.Unlock()

	return status
}
