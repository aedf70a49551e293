// Package maintenance runs startup housekeeping on the local store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fmtmgo/pkg/db"
)

// DefaultArtifactAge is how long generated artifacts are kept.
const DefaultArtifactAge = 30 * 24 * time.Hour

// Run deletes tasks whose project is gone and prunes old artifacts. Failures
// are logged, not returned, so a bad prune never blocks startup; only a
// cancelled context is reported.
func Run(ctx context.Context, d *db.DB, artifactAge time.Duration) error {
	slog.Info("Starting database maintenance...")

	if n, err := pruneOrphanTasks(ctx, d); err != nil {
		slog.Error("Orphan task pruning failed", "error", err)
	} else if n > 0 {
		slog.Info("Removed orphan tasks", "count", n)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if artifactAge <= 0 {
		artifactAge = DefaultArtifactAge
	}
	if n, err := d.PruneArtifacts(artifactAge); err != nil {
		slog.Error("Artifact pruning failed", "error", err)
	} else {
		slog.Info("Artifact pruning completed", "removed", n)
	}
	return nil
}

func pruneOrphanTasks(ctx context.Context, d *db.DB) (int64, error) {
	res, err := d.ExecContext(ctx, `DELETE FROM tasks WHERE project_id NOT IN (SELECT id FROM projects)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan tasks: %w", err)
	}
	return res.RowsAffected()
}
