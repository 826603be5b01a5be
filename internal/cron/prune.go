package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/ccapproval/internal/session"
)

// PruneSessionsJobName names the job that drops stale session thread mappings.
const PruneSessionsJobName = "prune-sessions"

// SessionPruneJob deletes session mappings not updated within retention.
func SessionPruneJob(store *session.Store, retention time.Duration, now func() time.Time) JobFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		removed, err := store.Prune(retention, now())
		if err != nil {
			return fmt.Errorf("prune sessions: %w", err)
		}
		if len(removed) > 0 {
			slog.Info("pruned stale session threads", "count", len(removed), "retention", retention)
		}
		return nil
	}
}
