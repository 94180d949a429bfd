package engine

import (
	"context"

	"github.com/mbarlow/wrangler/internal/errors"
)

// AddDependency records that task waits on dependsOn. Self-edges and
// edges that would close a cycle are rejected.
func (e *Engine) AddDependency(ctx context.Context, taskID, dependsOnID int64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if taskID == dependsOnID {
		return errors.Precondition("task cannot depend on itself")
	}
	if _, err := e.ensureTask(ctx, taskID); err != nil {
		return err
	}
	if _, err := e.ensureTask(ctx, dependsOnID); err != nil {
		return err
	}

	cyclic, err := e.reaches(ctx, dependsOnID, taskID)
	if err != nil {
		return err
	}
	if cyclic {
		return errors.Precondition("dependency cycle detected")
	}

	_, err = e.db.Exec(ctx,
		`INSERT INTO project_task_dependencies (task_id, depends_on_id)
		 SELECT ?, ?
		 WHERE NOT EXISTS (
		     SELECT 1 FROM project_task_dependencies
		     WHERE task_id = ? AND depends_on_id = ?
		 )`,
		taskID, dependsOnID, taskID, dependsOnID)
	if err != nil {
		return errors.Wrap(err, "add dependency")
	}
	return nil
}

// reaches walks the dependency graph depth-first and reports whether
// target is reachable from start.
func (e *Engine) reaches(ctx context.Context, start, target int64) (bool, error) {
	seen := map[int64]bool{}
	stack := []int64{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true, nil
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		rows, err := e.db.Query(ctx,
			"SELECT depends_on_id FROM project_task_dependencies WHERE task_id = ?", id)
		if err != nil {
			return false, errors.Wrap(err, "walk dependencies")
		}
		for rows.Next() {
			var next int64
			if err := rows.Scan(&next); err != nil {
				_ = rows.Close()
				return false, errors.Wrap(err, "walk dependencies")
			}
			stack = append(stack, next)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return false, errors.Wrap(err, "walk dependencies")
		}
		_ = rows.Close()
	}
	return false, nil
}

// RemoveDependency deletes a dependency edge if present.
func (e *Engine) RemoveDependency(ctx context.Context, taskID, dependsOnID int64) error {
	if err := e.ready(); err != nil {
		return err
	}
	_, err := e.db.Exec(ctx,
		"DELETE FROM project_task_dependencies WHERE task_id = ? AND depends_on_id = ?",
		taskID, dependsOnID)
	if err != nil {
		return errors.Wrap(err, "remove dependency")
	}
	return nil
}

// ListDependencies returns the tasks the given task waits on.
func (e *Engine) ListDependencies(ctx context.Context, taskID int64) ([]*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rows, err := e.db.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM project_tasks
		 WHERE id IN (SELECT depends_on_id FROM project_task_dependencies WHERE task_id = ?)
		 ORDER BY id`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "list dependencies")
	}
	defer func() { _ = rows.Close() }()

	out := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan dependency task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
