package engine

import (
	"context"
	"database/sql"

	"github.com/mbarlow/wrangler/internal/errors"
)

// eligibleStatuses are the states task_next considers schedulable.
var eligibleStatuses = []Status{
	StatusRequirements,
	StatusImplementing,
	StatusChangesRequested,
	StatusReviewRequested,
	StatusApproved,
	StatusMergeConflict,
}

// NextTask picks the highest-priority eligible task whose every
// dependency is done. Ties break on age, then id. Returns nil when
// nothing is ready.
func (e *Engine) NextTask(ctx context.Context, projectID string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}

	marks, inArgs := statusSet(eligibleStatuses)
	query := `SELECT ` + taskColumns + `
		 FROM project_tasks t
		 WHERE t.project_id = ?
		   AND t.status IN (` + marks + `)
		   AND NOT EXISTS (
		       SELECT 1 FROM project_task_dependencies d
		       JOIN project_tasks dep ON dep.id = d.depends_on_id
		       WHERE d.task_id = t.id AND dep.status != ?
		   )
		 ORDER BY t.priority DESC, t.created_at ASC, t.id ASC
		 LIMIT 1`

	args := []any{projectID}
	args = append(args, inArgs...)
	args = append(args, string(StatusDone))

	row := e.db.QueryRow(ctx, query, args...)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "next task")
	}
	return task, nil
}
