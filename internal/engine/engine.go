package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"github.com/mbarlow/wrangler/internal/db"
	"github.com/mbarlow/wrangler/internal/errors"
	"github.com/mbarlow/wrangler/internal/git"
	"github.com/mbarlow/wrangler/internal/proc"
)

// GitDriver is the slice of git the engine needs. Satisfied by
// *git.Driver; tests substitute a fake.
type GitDriver interface {
	CreateWorktree(repo, worktreePath, branch string) error
	RemoveWorktree(repo, worktreePath, branch string) error
	MergeBranch(repo, branch string) (*git.MergeResult, error)
}

// Runner is the slice of the process supervisor the engine needs for
// stored commands in task mode and for project context assembly.
type Runner interface {
	Start(req proc.StartRequest) (*proc.TaskRecord, error)
	ListRunningForProject(projectID string) ([]*proc.TaskRecord, error)
}

// Engine coordinates projects and tasks through their lifecycles. All
// mutations follow the same discipline: load the target row, apply a
// conditional UPDATE guarded by the allowed from-set, append a history
// row, return the reloaded row.
type Engine struct {
	db     *db.DB
	git    GitDriver
	runner Runner
	logger *slog.Logger

	migrateOnce sync.Once
	migrateErr  error
}

// New builds an engine over the given collaborators. git and runner may
// be nil when the corresponding actions are never exercised (tests).
func New(store *db.DB, gitDriver GitDriver, runner Runner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: store, git: gitDriver, runner: runner, logger: logger}
}

// ready runs migrations once, lazily, before the first operation.
func (e *Engine) ready() error {
	e.migrateOnce.Do(func() {
		e.migrateErr = e.db.Migrate()
	})
	return e.migrateErr
}

func (e *Engine) ensureProject(ctx context.Context, id string) (*Project, error) {
	row := e.db.QueryRow(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, errors.ProjectNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load project")
	}
	return p, nil
}

func (e *Engine) ensureTask(ctx context.Context, id int64) (*Task, error) {
	row := e.db.QueryRow(ctx, "SELECT "+taskColumns+" FROM project_tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.TaskNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load task")
	}
	return t, nil
}

func (e *Engine) ensureCommand(ctx context.Context, id int64) (*Command, error) {
	row := e.db.QueryRow(ctx, "SELECT "+commandColumns+" FROM project_commands WHERE id = ?", id)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, errors.CommandNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load command")
	}
	return c, nil
}

// appendHistory writes one status-history row. from is nil for the
// initial creation entry.
func (e *Engine) appendHistory(ctx context.Context, taskID int64, from *Status, to Status, actor, reason string) error {
	var fromVal any
	if from != nil {
		fromVal = string(*from)
	}
	_, err := e.db.Exec(ctx,
		`INSERT INTO task_status_history (task_id, from_status, to_status, actor, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		taskID, fromVal, string(to), nullable(actor), nullable(reason))
	if err != nil {
		return errors.Wrap(err, "append status history")
	}
	return nil
}

// setClause is one extra column assignment applied alongside a status
// transition, inside the same conditional UPDATE.
type setClause struct {
	expr string // e.g. "git_branch = ?"
	args []any
}

// transitionTask moves a task to a new status with race safety: the
// UPDATE only matches when the current status is in the allowed
// from-set, and exactly one affected row is required. On success a
// history row is appended and the reloaded task returned.
func (e *Engine) transitionTask(ctx context.Context, task *Task, to Status, from []Status, actor, reason string, extra ...setClause) (*Task, error) {
	marks, inArgs := statusSet(from)

	query := "UPDATE project_tasks SET status = ?, updated_at = " + e.db.Now()
	args := []any{string(to)}
	for _, c := range extra {
		query += ", " + c.expr
		args = append(args, c.args...)
	}
	query += " WHERE id = ? AND status IN (" + marks + ")"
	args = append(args, task.ID)
	args = append(args, inArgs...)

	res, err := e.db.Exec(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "update task status")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "update task status")
	}
	if affected != 1 {
		// Reload for an accurate from-status in the error; the row may
		// have moved under us or be gone entirely.
		current, loadErr := e.ensureTask(ctx, task.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		return nil, errors.TransitionFailed(task.ID, string(current.Status), string(to))
	}

	if err := e.appendHistory(ctx, task.ID, &task.Status, to, actor, reason); err != nil {
		return nil, err
	}

	e.logger.Debug("task transition",
		"task", task.ID, "from", task.Status, "to", to, "actor", actor)
	return e.ensureTask(ctx, task.ID)
}
