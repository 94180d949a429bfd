package engine

import (
	"database/sql"
	"fmt"
	"time"
)

// timeVal scans a timestamp column across dialects: pgx hands back
// time.Time, SQLite hands back the TEXT datetime('now') produced.
type timeVal struct {
	T     time.Time
	Valid bool
}

func (v *timeVal) Scan(src any) error {
	v.T, v.Valid = time.Time{}, false
	switch t := src.(type) {
	case nil:
		return nil
	case time.Time:
		v.T, v.Valid = t, true
		return nil
	case []byte:
		return v.parse(string(t))
	case string:
		return v.parse(t)
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (v *timeVal) parse(s string) error {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			v.T, v.Valid = t, true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

func (v *timeVal) ptr() *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.T
	return &t
}

// rowScanner lets the same scan code serve sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id, name, description, workspace_path, remote_url, telegram_topic_id,
	has_build_step, has_deploy_step, state, created_at, updated_at`

func scanProject(row rowScanner) (*Project, error) {
	var (
		p                    Project
		desc, ws, remote     sql.NullString
		topicID              sql.NullInt64
		createdAt, updatedAt timeVal
	)
	err := row.Scan(&p.ID, &p.Name, &desc, &ws, &remote, &topicID,
		&p.HasBuildStep, &p.HasDeployStep, &p.State, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.WorkspacePath = ws.String
	p.RemoteURL = remote.String
	if topicID.Valid {
		p.TelegramTopicID = &topicID.Int64
	}
	p.CreatedAt = createdAt.T
	p.UpdatedAt = updatedAt.T
	return &p, nil
}

const taskColumns = `id, project_id, title, description, task_type, status, status_before_blocked,
	requires_branching, requires_human_review, priority, phase, assigned_model, git_branch,
	worktree_path, dev_server_url, review_notes, review_feedback, block_reason,
	completed_at, created_at, updated_at`

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                                Task
		desc, phase, model, branch       sql.NullString
		worktree, devURL, notes          sql.NullString
		feedback, blockReason, beforeBlk sql.NullString
		completedAt, createdAt, updated  timeVal
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &desc, &t.TaskType, &t.Status, &beforeBlk,
		&t.RequiresBranching, &t.RequiresHumanReview, &t.Priority, &phase, &model, &branch,
		&worktree, &devURL, &notes, &feedback, &blockReason,
		&completedAt, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Phase = phase.String
	t.AssignedModel = model.String
	t.GitBranch = branch.String
	t.WorktreePath = worktree.String
	t.DevServerURL = devURL.String
	t.ReviewNotes = notes.String
	t.ReviewFeedback = feedback.String
	t.BlockReason = blockReason.String
	if beforeBlk.Valid {
		s := Status(beforeBlk.String)
		t.StatusBeforeBlocked = &s
	}
	t.CompletedAt = completedAt.ptr()
	t.CreatedAt = createdAt.T
	t.UpdatedAt = updated.T
	return &t, nil
}

const commandColumns = `id, project_id, label, command, category, run_mode, task_runner_id,
	description, locked, locked_by, locked_at, created_at, updated_at`

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c                          Command
		runnerID, desc, lockedBy   sql.NullString
		lockedAt, created, updated timeVal
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.Label, &c.Command, &c.Category, &c.RunMode,
		&runnerID, &desc, &c.Locked, &lockedBy, &lockedAt, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.TaskRunnerID = runnerID.String
	c.Description = desc.String
	c.LockedBy = lockedBy.String
	c.LockedAt = lockedAt.ptr()
	c.CreatedAt = created.T
	c.UpdatedAt = updated.T
	return &c, nil
}

func scanLink(row rowScanner) (*Link, error) {
	var (
		l       Link
		created timeVal
	)
	if err := row.Scan(&l.ID, &l.ProjectID, &l.Label, &l.URL, &l.Category, &created); err != nil {
		return nil, err
	}
	l.CreatedAt = created.T
	return &l, nil
}

func scanHistory(row rowScanner) (*HistoryEntry, error) {
	var (
		h             HistoryEntry
		from          sql.NullString
		actor, reason sql.NullString
		created       timeVal
	)
	if err := row.Scan(&h.ID, &h.TaskID, &from, &h.ToStatus, &actor, &reason, &created); err != nil {
		return nil, err
	}
	if from.Valid {
		s := Status(from.String)
		h.FromStatus = &s
	}
	h.Actor = actor.String
	h.Reason = reason.String
	h.CreatedAt = created.T
	return &h, nil
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		a                   Attempt
		key, model, summary sql.NullString
		created             timeVal
	)
	if err := row.Scan(&a.ID, &a.TaskID, &key, &model, &summary, &a.Outcome, &created); err != nil {
		return nil, err
	}
	a.SessionKey = key.String
	a.Model = model.String
	a.Summary = summary.String
	a.CreatedAt = created.T
	return &a, nil
}

func scanMemory(row rowScanner) (*MemoryNote, error) {
	var (
		m       MemoryNote
		created timeVal
	)
	if err := row.Scan(&m.ID, &m.ProjectID, &m.Category, &m.Content, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = created.T
	return &m, nil
}

// nullable converts an empty string to NULL so optional text columns
// stay NULL instead of "".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
