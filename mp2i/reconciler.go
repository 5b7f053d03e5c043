package mp2i

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// ErrStoreTransaction indicates a reconciliation pass failed while applying
// changes to the event store. The snapshot was fetched fine; nothing was
// persisted.
var ErrStoreTransaction = errors.New("event store transaction failed")

// reconcileStats summarizes what a single reconciliation pass did.
type reconcileStats struct {
	Fetched       int   `json:"fetched"`
	Duplicates    int   `json:"duplicates"`
	Created       int   `json:"created"`
	Updated       int   `json:"updated"`
	Rescheduled   int   `json:"rescheduled"`
	MarkedMissing int64 `json:"marked_missing"`
	Purged        int64 `json:"purged"`
}

// reconciler diffs calendar snapshots against the event store. Each pass
// applies all of its changes in a single transaction, so a failure
// partway through leaves the store at the previous pass's state.
type reconciler struct {
	db     DBI
	source EventSource
	config *SyncConfig
	logger *slog.Logger
}

func newReconciler(
	db DBI,
	source EventSource,
	config *SyncConfig,
	logger *slog.Logger,
) *reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &reconciler{
		db:     db,
		source: source,
		config: config,
		logger: logger.With(loggerNameKey, "reconciler"),
	}
}

// Run performs one reconciliation pass: fetch a snapshot, upsert every
// event in it, bump the missing streak of everything absent, and purge
// past events whose streak crossed the threshold. The snapshot fetch
// happens outside the transaction; all writes happen inside it.
func (r *reconciler) Run(ctx context.Context) (reconcileStats, error) {
	var stats reconcileStats

	logger := r.logger
	if ctxLogger, ok := ContextLogger(ctx); ok && ctxLogger != nil {
		logger = ctxLogger
	}

	snapshot, err := r.source.Fetch(ctx)
	if err != nil {
		return stats, err
	}
	stats.Fetched = len(snapshot)

	deduped, seenIDs, duplicates := dedupeSnapshot(snapshot)
	stats.Duplicates = duplicates
	if duplicates > 0 {
		logger.WarnContext(
			ctx,
			"snapshot contained duplicate external IDs, kept last occurrence",
			"duplicates", duplicates,
		)
	}

	now := time.Now().UTC()
	txErr := r.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for _, raw := range deduped {
				result, upsertErr := upsertEventTx(
					tx,
					raw,
					now,
					r.config.RenotifyOnReschedule,
				)
				if upsertErr != nil {
					return upsertErr
				}
				switch {
				case result.Created:
					stats.Created++
				case result.Updated:
					stats.Updated++
				}
				if result.Rescheduled {
					stats.Rescheduled++
					logger.InfoContext(
						ctx,
						"notified event rescheduled, starting new reminder cycle",
						columnEventExternalID, raw.ExternalID,
						"new_start", raw.StartsAt,
					)
				}
			}

			marked, markErr := markMissingTx(tx, seenIDs)
			if markErr != nil {
				return markErr
			}
			stats.MarkedMissing = marked

			purged, purgeErr := purgeConfirmedMissingTx(
				tx,
				r.config.MissingStreakThreshold,
				now,
			)
			if purgeErr != nil {
				return purgeErr
			}
			stats.Purged = purged

			return nil
		},
	)
	if txErr != nil {
		logger.ErrorContext(
			ctx,
			"reconciliation pass rolled back",
			tint.Err(txErr),
		)
		return stats, fmt.Errorf("%w: %w", ErrStoreTransaction, txErr)
	}

	logger.InfoContext(
		ctx,
		"reconciliation pass complete",
		"fetched", stats.Fetched,
		"created", stats.Created,
		"updated", stats.Updated,
		"rescheduled", stats.Rescheduled,
		"marked_missing", stats.MarkedMissing,
		"purged", stats.Purged,
	)
	return stats, nil
}

// dedupeSnapshot collapses duplicate external IDs within one snapshot,
// keeping the last occurrence and preserving first-seen order.
func dedupeSnapshot(snapshot []RawEvent) (
	deduped []RawEvent,
	seenIDs []string,
	duplicates int,
) {
	position := make(map[string]int, len(snapshot))
	for _, raw := range snapshot {
		if idx, seen := position[raw.ExternalID]; seen {
			duplicates++
			deduped[idx] = raw
			continue
		}
		position[raw.ExternalID] = len(deduped)
		deduped = append(deduped, raw)
		seenIDs = append(seenIDs, raw.ExternalID)
	}
	return deduped, seenIDs, duplicates
}
