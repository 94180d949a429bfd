package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mbarlow/wrangler/internal/errors"
	"github.com/mbarlow/wrangler/internal/proc"
)

// maxExecOutput caps stdout and stderr of synchronous command runs.
const maxExecOutput = 20 << 20

// AddCommandParams are the inputs to AddCommand.
type AddCommandParams struct {
	ProjectID    string `json:"projectId"`
	Label        string `json:"label"`
	Command      string `json:"command"`
	Category     string `json:"category,omitempty"`
	RunMode      string `json:"runMode,omitempty"`
	TaskRunnerID string `json:"taskRunnerId,omitempty"`
	Description  string `json:"description,omitempty"`
}

// AddCommand stores a shell template on a project. Labels are unique
// per project; re-adding a label replaces the stored command unless the
// existing one is locked.
func (e *Engine) AddCommand(ctx context.Context, p AddCommandParams) (*Command, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Label) == "" || strings.TrimSpace(p.Command) == "" {
		return nil, errors.RequiredBoth("label", "command")
	}
	if _, err := e.ensureProject(ctx, p.ProjectID); err != nil {
		return nil, err
	}
	if p.Category == "" {
		p.Category = "other"
	}
	runMode := p.RunMode
	if runMode == "" {
		runMode = "exec"
	}
	if runMode != "exec" && runMode != "task" {
		return nil, errors.Invalid("run_mode must be exec or task")
	}

	if existing, err := e.commandByLabel(ctx, p.ProjectID, p.Label); err == nil {
		if existing.Locked {
			return nil, errors.CommandLocked(existing.ID)
		}
		_, err := e.db.Exec(ctx, "DELETE FROM project_commands WHERE id = ?", existing.ID)
		if err != nil {
			return nil, errors.Wrap(err, "replace command")
		}
	}

	id, err := e.db.InsertReturningID(ctx,
		`INSERT INTO project_commands (project_id, label, command, category, run_mode,
		                               task_runner_id, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.Label, p.Command, p.Category, runMode,
		nullable(p.TaskRunnerID), nullable(p.Description))
	if err != nil {
		return nil, errors.Wrap(err, "add command")
	}
	return e.ensureCommand(ctx, id)
}

func (e *Engine) commandByLabel(ctx context.Context, projectID, label string) (*Command, error) {
	row := e.db.QueryRow(ctx,
		"SELECT "+commandColumns+" FROM project_commands WHERE project_id = ? AND label = ?",
		projectID, label)
	c, err := scanCommand(row)
	if err != nil {
		return nil, errors.CommandNotFound(label)
	}
	return c, nil
}

// resolveCommand finds a command by numeric id, or by (project, label)
// when id is zero.
func (e *Engine) resolveCommand(ctx context.Context, id int64, projectID, label string) (*Command, error) {
	if id != 0 {
		return e.ensureCommand(ctx, id)
	}
	if projectID == "" || label == "" {
		return nil, errors.RequiredBoth("projectId", "label")
	}
	return e.commandByLabel(ctx, projectID, label)
}

// ListCommands returns a project's commands, optionally filtered by
// category.
func (e *Engine) ListCommands(ctx context.Context, projectID, category string) ([]*Command, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	query := "SELECT " + commandColumns + " FROM project_commands WHERE project_id = ?"
	args := []any{projectID}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY label"

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list commands")
	}
	defer func() { _ = rows.Close() }()

	out := []*Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan command")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// checkLock gates destructive edits: a locked command needs force plus
// a non-blank reason.
func checkLock(c *Command, force bool, reason string) error {
	if !c.Locked {
		return nil
	}
	if !force {
		return errors.CommandLocked(c.ID)
	}
	if strings.TrimSpace(reason) == "" {
		return errors.ForceReasonRequired()
	}
	return nil
}

// UpdateCommandParams carries optional field updates for cmd_update.
type UpdateCommandParams struct {
	Command      *string `json:"command,omitempty"`
	Category     *string `json:"category,omitempty"`
	RunMode      *string `json:"runMode,omitempty"`
	TaskRunnerID *string `json:"taskRunnerId,omitempty"`
	Description  *string `json:"description,omitempty"`
	Force        bool    `json:"force,omitempty"`
	Reason       string  `json:"reason,omitempty"`
}

// UpdateCommand edits a stored command, honoring its lock.
func (e *Engine) UpdateCommand(ctx context.Context, id int64, projectID, label string, p UpdateCommandParams) (*Command, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	c, err := e.resolveCommand(ctx, id, projectID, label)
	if err != nil {
		return nil, err
	}
	if err := checkLock(c, p.Force, p.Reason); err != nil {
		return nil, err
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Command != nil {
		set("command", *p.Command)
	}
	if p.Category != nil {
		set("category", *p.Category)
	}
	if p.RunMode != nil {
		if *p.RunMode != "exec" && *p.RunMode != "task" {
			return nil, errors.Invalid("run_mode must be exec or task")
		}
		set("run_mode", *p.RunMode)
	}
	if p.TaskRunnerID != nil {
		set("task_runner_id", nullable(*p.TaskRunnerID))
	}
	if p.Description != nil {
		set("description", nullable(*p.Description))
	}
	if len(sets) == 0 {
		return c, nil
	}

	query := "UPDATE project_commands SET " + strings.Join(sets, ", ") +
		", updated_at = " + e.db.Now() + " WHERE id = ?"
	args = append(args, c.ID)
	if _, err := e.db.Exec(ctx, query, args...); err != nil {
		return nil, errors.Wrap(err, "update command")
	}
	return e.ensureCommand(ctx, c.ID)
}

// RemoveCommand deletes a stored command, honoring its lock.
func (e *Engine) RemoveCommand(ctx context.Context, id int64, projectID, label string, force bool, reason string) error {
	if err := e.ready(); err != nil {
		return err
	}
	c, err := e.resolveCommand(ctx, id, projectID, label)
	if err != nil {
		return err
	}
	if err := checkLock(c, force, reason); err != nil {
		return err
	}
	if _, err := e.db.Exec(ctx, "DELETE FROM project_commands WHERE id = ?", c.ID); err != nil {
		return errors.Wrap(err, "remove command")
	}
	return nil
}

// LockCommand marks a command locked by the given actor.
func (e *Engine) LockCommand(ctx context.Context, id int64, projectID, label, lockedBy string) (*Command, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	c, err := e.resolveCommand(ctx, id, projectID, label)
	if err != nil {
		return nil, err
	}
	_, err = e.db.Exec(ctx,
		"UPDATE project_commands SET locked = ?, locked_by = ?, locked_at = "+e.db.Now()+
			", updated_at = "+e.db.Now()+" WHERE id = ?",
		true, nullable(lockedBy), c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "lock command")
	}
	return e.ensureCommand(ctx, c.ID)
}

// UnlockCommand clears the lock, locker, and lock time.
func (e *Engine) UnlockCommand(ctx context.Context, id int64, projectID, label string) (*Command, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	c, err := e.resolveCommand(ctx, id, projectID, label)
	if err != nil {
		return nil, err
	}
	_, err = e.db.Exec(ctx,
		"UPDATE project_commands SET locked = ?, locked_by = NULL, locked_at = NULL, updated_at = "+
			e.db.Now()+" WHERE id = ?",
		false, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "unlock command")
	}
	return e.ensureCommand(ctx, c.ID)
}

// substituteTokens expands {project_id}, {task_id}, and {label} in a
// stored command template.
func substituteTokens(s, projectID string, taskID int64, label string) string {
	s = strings.ReplaceAll(s, "{project_id}", projectID)
	if taskID != 0 {
		s = strings.ReplaceAll(s, "{task_id}", strconv.FormatInt(taskID, 10))
	}
	return strings.ReplaceAll(s, "{label}", label)
}

// RunCommandParams are the inputs to RunCommand.
type RunCommandParams struct {
	ID        int64  `json:"id,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Label     string `json:"label,omitempty"`
	TaskID    int64  `json:"taskId,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// RunResult reports the outcome of cmd_run. Exec mode carries captured
// output; task mode carries the supervisor record.
type RunResult struct {
	Mode     string           `json:"mode"`
	Command  *Command         `json:"command"`
	Stdout   string           `json:"stdout,omitempty"`
	Stderr   string           `json:"stderr,omitempty"`
	ExitCode int              `json:"exitCode"`
	Process  *proc.TaskRecord `json:"process,omitempty"`
}

// RunCommand executes a stored command. Exec mode runs synchronously
// through the shell; task mode hands the command to the process
// supervisor and returns immediately.
func (e *Engine) RunCommand(ctx context.Context, p RunCommandParams) (*RunResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	c, err := e.resolveCommand(ctx, p.ID, p.ProjectID, p.Label)
	if err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, c.ProjectID)
	if err != nil {
		return nil, err
	}

	shellLine := substituteTokens(c.Command, c.ProjectID, p.TaskID, c.Label)

	if c.RunMode == "task" {
		if e.runner == nil {
			return nil, errors.Precondition("process supervisor not configured")
		}
		runnerID := substituteTokens(c.TaskRunnerID, c.ProjectID, p.TaskID, c.Label)
		if runnerID == "" {
			runnerID = fmt.Sprintf("project-%s-%d", c.ProjectID, c.ID)
		}
		rec, err := e.runner.Start(proc.StartRequest{
			ID:        runnerID,
			Command:   shellLine,
			Cwd:       project.WorkspacePath,
			Tags:      []string{"project", c.ProjectID, c.Label},
			ProjectID: c.ProjectID,
			Replace:   true,
			Force:     true,
		})
		if err != nil {
			return nil, err
		}
		return &RunResult{Mode: "task", Command: c, Process: rec}, nil
	}

	runCtx := ctx
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "bash", "-lc", shellLine)
	if project.WorkspacePath != "" {
		cmd.Dir = project.WorkspacePath
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{w: &stdout, max: maxExecOutput}
	cmd.Stderr = &limitWriter{w: &stderr, max: maxExecOutput}

	runErr := cmd.Run()
	result := &RunResult{
		Mode:    "exec",
		Command: c,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, errors.Wrap(runErr, "run command")
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// limitWriter drops bytes past max instead of failing the child.
type limitWriter struct {
	w   io.Writer
	n   int64
	max int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n >= l.max {
		return len(p), nil
	}
	if l.n+int64(len(p)) > l.max {
		keep := l.max - l.n
		if _, err := l.w.Write(p[:keep]); err != nil {
			return 0, err
		}
		l.n = l.max
		return len(p), nil
	}
	n, err := l.w.Write(p)
	l.n += int64(n)
	return n, err
}
