package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"exhibition-bot/internal/models"
	"exhibition-bot/internal/telegram"
	"exhibition-bot/internal/telemetry"
)

// recordSyncTimeout bounds one record's edit plus flag write.
const recordSyncTimeout = 30 * time.Second

// SyncStats summarizes one sync run.
type SyncStats struct {
	Synced int
	Failed int
}

// SyncJob propagates evaluation decisions made through the API back into the
// originating chat messages. Evaluation and reflection are deliberately
// decoupled: a run that partially fails just leaves records unsynced for the
// next scheduled run.
type SyncJob struct {
	tenantID  string
	store     RecordStore
	transport Transport
	limiter   Limiter
	logger    *slog.Logger
}

// NewSyncJob builds a standalone sync job. The worker constructs its own; this
// is for callers that only need the sync half.
func NewSyncJob(tenantID string, st RecordStore, tr Transport, lim Limiter, logger *slog.Logger) *SyncJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncJob{tenantID: tenantID, store: st, transport: tr, limiter: lim, logger: logger}
}

// Run edits the chat message of every evaluated-but-unsynced record, oldest
// decision first. Each record is attempted once per run:
//   - success: mark synced (a crash between edit and mark re-edits identical
//     content next run, which the transport treats as success)
//   - rate limited / transient: leave unsynced, count failed
//   - message gone: mark synced anyway, retrying forever is pointless
//
// Cancelling ctx stops the run between records with partial stats; the record
// in flight always completes.
func (j *SyncJob) Run(ctx context.Context) (SyncStats, error) {
	var stats SyncStats

	records, err := j.store.ListUnsynced(ctx, j.tenantID)
	if err != nil {
		return stats, fmt.Errorf("list unsynced: %w", err)
	}

	// Each record runs on a detached context so its edit and flag write
	// finish as a pair; the stop is honored between records.
	opBase := context.WithoutCancel(ctx)
	for i := range records {
		if ctx.Err() != nil {
			j.logger.Info("sync run interrupted", "synced", stats.Synced, "remaining", len(records)-i)
			return stats, nil
		}
		j.syncRecord(opBase, &records[i], &stats)
	}

	return stats, nil
}

func (j *SyncJob) syncRecord(ctx context.Context, r *models.ExhibitionRecord, stats *SyncStats) {
	opCtx, cancel := context.WithTimeout(ctx, recordSyncTimeout)
	defer cancel()

	if j.limiter != nil {
		allowed, err := j.limiter.AllowSend(opCtx, j.tenantID)
		switch {
		case err != nil:
			// Fail open, but a limiter outage must not pass silently.
			j.logger.Warn("rate limiter unavailable, sending without budget", "error", err)
		case !allowed:
			stats.Failed++
			telemetry.SyncFailures.Inc()
			return
		}
	}

	err := j.transport.EditMessageText(opCtx, r.ChatID, r.MessageID, DecisionMessage(*r))
	switch {
	case err == nil:
		if err := j.store.MarkSynced(opCtx, r.ID, r.EvaluatedAt); err != nil {
			// Record stays unsynced; the next run re-edits with
			// identical content.
			j.logger.Error("mark synced failed", "record_id", r.ID, "error", err)
			stats.Failed++
			return
		}
		stats.Synced++
		telemetry.SyncEdits.Inc()
	case errors.Is(err, telegram.ErrNotFound):
		j.logger.Warn("target message gone, resolving record", "record_id", r.ID, "message_id", r.MessageID)
		if err := j.store.MarkSynced(opCtx, r.ID, r.EvaluatedAt); err != nil {
			j.logger.Error("mark synced failed", "record_id", r.ID, "error", err)
			stats.Failed++
			return
		}
		stats.Synced++
		telemetry.SyncOrphaned.Inc()
	default:
		stats.Failed++
		telemetry.SyncFailures.Inc()
		j.logger.Warn("edit deferred to next run", "record_id", r.ID, "error", err)
	}
}

// DecisionMessage renders the evaluated state of a record as the replacement
// body for its acknowledgement message.
func DecisionMessage(r models.ExhibitionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Shelf photo from %s\n", submitterLabel(r))
	fmt.Fprintf(&b, "Status: %s", stateLabel(r.State))
	if r.EvaluatorID != nil && *r.EvaluatorID != "" {
		fmt.Fprintf(&b, "\nReviewed by: %s", *r.EvaluatorID)
	}
	if r.EvaluatorComment != nil && *r.EvaluatorComment != "" {
		fmt.Fprintf(&b, "\nComment: %s", *r.EvaluatorComment)
	}
	return b.String()
}

func submitterLabel(r models.ExhibitionRecord) string {
	if r.SubmitterName != "" {
		return "@" + r.SubmitterName
	}
	return fmt.Sprintf("user %d", r.SubmitterID)
}

func stateLabel(state string) string {
	switch state {
	case models.StateApproved:
		return "Approved ✅"
	case models.StateFeatured:
		return "Featured ⭐"
	case models.StateRejected:
		return "Rejected ❌"
	default:
		return "Pending review"
	}
}
