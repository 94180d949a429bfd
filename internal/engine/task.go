package engine

import (
	"context"
	"strings"

	"github.com/mbarlow/wrangler/internal/errors"
)

// CreateTaskParams are the inputs to CreateTask. ProjectID and Title
// are required. TaskType defaults to feature; branching/review flags
// default per task type unless explicitly set.
type CreateTaskParams struct {
	ProjectID           string `json:"projectId"`
	Title               string `json:"title"`
	Description         string `json:"description,omitempty"`
	TaskType            string `json:"taskType,omitempty"`
	Priority            *int   `json:"priority,omitempty"`
	Phase               string `json:"phase,omitempty"`
	AssignedModel       string `json:"assignedModel,omitempty"`
	RequiresBranching   *bool  `json:"requiresBranching,omitempty"`
	RequiresHumanReview *bool  `json:"requiresHumanReview,omitempty"`
	Actor               string `json:"actor,omitempty"`
}

// CreateTask inserts a task in status requirements and writes the
// initial NULL → requirements history row.
func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ProjectID) == "" {
		return nil, errors.Required("projectId")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, errors.Required("title")
	}
	if _, err := e.ensureProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}

	taskType := TaskType(p.TaskType)
	if taskType == "" {
		taskType = TypeFeature
	}
	if !ValidTaskType(taskType) {
		return nil, errors.Precondition("unknown task type: " + string(taskType))
	}

	defaults := typeDefaults[taskType]
	branching := defaults.branching
	if p.RequiresBranching != nil {
		branching = *p.RequiresBranching
	}
	review := defaults.review
	if p.RequiresHumanReview != nil {
		review = *p.RequiresHumanReview
	}
	priority := 0
	if p.Priority != nil {
		priority = *p.Priority
	}

	id, err := e.db.InsertReturningID(ctx,
		`INSERT INTO project_tasks (project_id, title, description, task_type, status,
		                            requires_branching, requires_human_review, priority,
		                            phase, assigned_model)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Title, nullable(p.Description), string(taskType),
		string(StatusRequirements), branching, review, priority,
		nullable(p.Phase), nullable(p.AssignedModel))
	if err != nil {
		return nil, errors.Wrap(err, "create task")
	}

	if err := e.appendHistory(ctx, id, nil, StatusRequirements, p.Actor, "created"); err != nil {
		return nil, err
	}

	e.logger.Info("task created", "task", id, "project", p.ProjectID, "type", taskType)
	return e.ensureTask(ctx, id)
}

// UpdateTaskParams carries optional non-status field updates.
type UpdateTaskParams struct {
	Title          *string `json:"title,omitempty"`
	Description    *string `json:"description,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	Phase          *string `json:"phase,omitempty"`
	AssignedModel  *string `json:"assignedModel,omitempty"`
	DevServerURL   *string `json:"devServerUrl,omitempty"`
	ReviewNotes    *string `json:"reviewNotes,omitempty"`
	ReviewFeedback *string `json:"reviewFeedback,omitempty"`
}

// UpdateTask applies partial updates to task metadata. Status never
// changes here; lifecycle actions own that.
func (e *Engine) UpdateTask(ctx context.Context, id int64, p UpdateTaskParams) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.ensureTask(ctx, id); err != nil {
		return nil, err
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Description != nil {
		set("description", nullable(*p.Description))
	}
	if p.Priority != nil {
		set("priority", *p.Priority)
	}
	if p.Phase != nil {
		set("phase", nullable(*p.Phase))
	}
	if p.AssignedModel != nil {
		set("assigned_model", nullable(*p.AssignedModel))
	}
	if p.DevServerURL != nil {
		set("dev_server_url", nullable(*p.DevServerURL))
	}
	if p.ReviewNotes != nil {
		set("review_notes", nullable(*p.ReviewNotes))
	}
	if p.ReviewFeedback != nil {
		set("review_feedback", nullable(*p.ReviewFeedback))
	}

	if len(sets) == 0 {
		return e.ensureTask(ctx, id)
	}

	query := "UPDATE project_tasks SET " + strings.Join(sets, ", ") +
		", updated_at = " + e.db.Now() + " WHERE id = ?"
	args = append(args, id)
	if _, err := e.db.Exec(ctx, query, args...); err != nil {
		return nil, errors.Wrap(err, "update task")
	}
	return e.ensureTask(ctx, id)
}

// ListTasks returns the project's tasks, optionally filtered by status,
// ordered for scheduling review: priority first, then age.
func (e *Engine) ListTasks(ctx context.Context, projectID string, status string) ([]*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	query := "SELECT " + taskColumns + " FROM project_tasks WHERE project_id = ?"
	args := []any{projectID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer func() { _ = rows.Close() }()

	out := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskDetail is the task_get bundle.
type TaskDetail struct {
	Task          *Task           `json:"task"`
	Dependencies  []*Task         `json:"dependencies"`
	Attempts      []*Attempt      `json:"attempts"`
	StatusHistory []*HistoryEntry `json:"status_history"`
}

// GetTask assembles a task with its dependencies, attempts, and full
// status history.
func (e *Engine) GetTask(ctx context.Context, id int64) (*TaskDetail, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	deps, err := e.ListDependencies(ctx, id)
	if err != nil {
		return nil, err
	}

	attempts, err := e.listAttempts(ctx, id)
	if err != nil {
		return nil, err
	}

	history, err := e.listHistory(ctx, id)
	if err != nil {
		return nil, err
	}

	return &TaskDetail{Task: task, Dependencies: deps, Attempts: attempts, StatusHistory: history}, nil
}

func (e *Engine) listHistory(ctx context.Context, taskID int64) ([]*HistoryEntry, error) {
	rows, err := e.db.Query(ctx,
		`SELECT id, task_id, from_status, to_status, actor, reason, created_at
		 FROM task_status_history WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "list status history")
	}
	defer func() { _ = rows.Close() }()

	out := []*HistoryEntry{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan status history")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (e *Engine) listAttempts(ctx context.Context, taskID int64) ([]*Attempt, error) {
	rows, err := e.db.Query(ctx,
		`SELECT id, task_id, session_key, model, summary, outcome, created_at
		 FROM task_attempts WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, errors.Wrap(err, "list attempts")
	}
	defer func() { _ = rows.Close() }()

	out := []*Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan attempt")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordAttempt appends an agent-run record to a task.
func (e *Engine) RecordAttempt(ctx context.Context, taskID int64, sessionKey, model, summary, outcome string) (*Attempt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if _, err := e.ensureTask(ctx, taskID); err != nil {
		return nil, err
	}
	if outcome == "" {
		outcome = "success"
	}
	id, err := e.db.InsertReturningID(ctx,
		`INSERT INTO task_attempts (task_id, session_key, model, summary, outcome)
		 VALUES (?, ?, ?, ?, ?)`,
		taskID, nullable(sessionKey), nullable(model), nullable(summary), outcome)
	if err != nil {
		return nil, errors.Wrap(err, "record attempt")
	}
	row := e.db.QueryRow(ctx,
		`SELECT id, task_id, session_key, model, summary, outcome, created_at
		 FROM task_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err != nil {
		return nil, errors.Wrap(err, "load attempt")
	}
	return a, nil
}
