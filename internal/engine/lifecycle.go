package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mbarlow/wrangler/internal/errors"
)

// repoPath is the primary checkout inside a project workspace; task
// worktrees hang off a sibling directory.
func repoPath(workspacePath string) string {
	return filepath.Join(workspacePath, "main")
}

func worktreePath(workspacePath string, taskID int64) string {
	return filepath.Join(workspacePath, "worktrees", fmt.Sprintf("task-%d", taskID))
}

func branchName(taskID int64) string {
	return fmt.Sprintf("task/%d", taskID)
}

// StartTask moves a task into implementing. Branching tasks get a git
// worktree at {workspace}/worktrees/task-{id} on branch task/{id}; the
// branch and worktree path are persisted with the transition, so a
// failed git step leaves a committed transition behind and the caller
// retries the worktree creation by re-running the action.
func (e *Engine) StartTask(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	from := []Status{StatusRequirements, StatusChangesRequested}

	if !task.RequiresBranching {
		return e.transitionTask(ctx, task, StatusImplementing, from, actor, "")
	}

	project, err := e.ensureProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.WorkspacePath == "" {
		return nil, errors.Precondition("Project workspace_path required for branching tasks")
	}

	branch := task.GitBranch
	if branch == "" {
		branch = branchName(task.ID)
	}
	worktree := task.WorktreePath
	if worktree == "" {
		worktree = worktreePath(project.WorkspacePath, task.ID)
	}

	updated, err := e.transitionTask(ctx, task, StatusImplementing, from, actor, "",
		setClause{expr: "git_branch = ?", args: []any{branch}},
		setClause{expr: "worktree_path = ?", args: []any{worktree}})
	if err != nil {
		return nil, err
	}

	if err := e.git.CreateWorktree(repoPath(project.WorkspacePath), worktree, branch); err != nil {
		return nil, errors.Wrap(err, "create worktree")
	}
	return updated, nil
}

// RequestReview asks for review, or auto-approves when the task does
// not require a human in the loop.
func (e *Engine) RequestReview(ctx context.Context, id int64, actor, notes string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	from := []Status{StatusImplementing, StatusChangesRequested}
	var extra []setClause
	if notes != "" {
		extra = append(extra, setClause{expr: "review_notes = ?", args: []any{notes}})
	}

	if !task.RequiresHumanReview {
		return e.transitionTask(ctx, task, StatusApproved, from, actor, "auto-approved", extra...)
	}
	return e.transitionTask(ctx, task, StatusReviewRequested, from, actor, "", extra...)
}

// ApproveTask approves a reviewed task. Tasks without human review may
// also be approved straight from implementing or changes_requested.
func (e *Engine) ApproveTask(ctx context.Context, id int64, actor, reason string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	from := []Status{StatusReviewRequested}
	if !task.RequiresHumanReview {
		from = append(from, StatusImplementing, StatusChangesRequested)
	}
	return e.transitionTask(ctx, task, StatusApproved, from, actor, reason)
}

// RequestChanges sends a reviewed task back with feedback.
func (e *Engine) RequestChanges(ctx context.Context, id int64, actor, feedback string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	var extra []setClause
	if feedback != "" {
		extra = append(extra, setClause{expr: "review_feedback = ?", args: []any{feedback}})
	}
	return e.transitionTask(ctx, task, StatusChangesRequested,
		[]Status{StatusReviewRequested}, actor, feedback, extra...)
}

// pickPostMergeStatus decides where a task goes after a successful
// merge: build step first, then deploy, then done.
func pickPostMergeStatus(project *Project) Status {
	switch {
	case project.HasBuildStep:
		return StatusBuilding
	case project.HasDeployStep:
		return StatusDeploying
	default:
		return StatusDone
	}
}

// MergeOutcome reports what task_merge did.
type MergeOutcome struct {
	Task     *Task  `json:"task"`
	Merged   bool   `json:"merged"`
	Conflict bool   `json:"conflict"`
	Output   string `json:"output,omitempty"`
}

// MergeTask merges a task's branch into the main checkout. Tasks that
// never branched skip the git merge and advance straight to the next
// pipeline step.
func (e *Engine) MergeTask(ctx context.Context, id int64, actor string) (*MergeOutcome, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}

	if !task.RequiresBranching {
		next := pickPostMergeStatus(project)
		if next == StatusDone {
			done, err := e.CompleteTask(ctx, id, actor, "no merge required")
			if err != nil {
				return nil, err
			}
			return &MergeOutcome{Task: done, Merged: true}, nil
		}
		updated, err := e.transitionTask(ctx, task, next,
			[]Status{StatusApproved, StatusImplementing}, actor, "no merge required")
		if err != nil {
			return nil, err
		}
		return &MergeOutcome{Task: updated, Merged: true}, nil
	}

	if project.WorkspacePath == "" || task.GitBranch == "" {
		return nil, errors.Precondition("workspace_path and git_branch required for merge")
	}

	// A task already in merging (via task_resolve_conflict) retries the
	// git merge without a transition.
	merging := task
	if task.Status != StatusMerging {
		merging, err = e.transitionTask(ctx, task, StatusMerging,
			[]Status{StatusApproved, StatusMergeConflict}, actor, "")
		if err != nil {
			return nil, err
		}
	}

	result, err := e.git.MergeBranch(repoPath(project.WorkspacePath), task.GitBranch)
	if err != nil {
		return nil, errors.Wrap(err, "merge branch")
	}
	if result.Conflict {
		conflicted, err := e.transitionTask(ctx, merging, StatusMergeConflict,
			[]Status{StatusMerging}, actor, "merge conflict")
		if err != nil {
			return nil, err
		}
		return &MergeOutcome{Task: conflicted, Conflict: true, Output: result.Output}, nil
	}
	if !result.Success {
		return nil, errors.MergeFailed(result.Output)
	}

	next := pickPostMergeStatus(project)
	extra := []setClause{}
	if next == StatusDone {
		extra = append(extra, setClause{expr: "completed_at = " + e.db.Now()})
	}
	updated, err := e.transitionTask(ctx, merging, next,
		[]Status{StatusMerging}, actor, "merged", extra...)
	if err != nil {
		return nil, err
	}
	return &MergeOutcome{Task: updated, Merged: true, Output: result.Output}, nil
}

// ResolveConflict marks a conflicted merge as resolved; the caller
// re-runs task_merge to retry the actual git merge.
func (e *Engine) ResolveConflict(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.transitionTask(ctx, task, StatusMerging,
		[]Status{StatusMergeConflict}, actor, "conflict resolved")
}

// BuildTask records a completed build and advances the pipeline.
func (e *Engine) BuildTask(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if !project.HasBuildStep {
		return nil, errors.Precondition("project has no build step")
	}

	from := []Status{StatusBuilding, StatusMerging, StatusApproved}
	if project.HasDeployStep {
		return e.transitionTask(ctx, task, StatusDeploying, from, actor, "built")
	}
	return e.transitionTask(ctx, task, StatusDone, from, actor, "built",
		setClause{expr: "completed_at = " + e.db.Now()})
}

// DeployTask records a completed deploy; the task is done.
func (e *Engine) DeployTask(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.transitionTask(ctx, task, StatusDone,
		[]Status{StatusDeploying, StatusBuilding, StatusMerging, StatusApproved},
		actor, "deployed",
		setClause{expr: "completed_at = " + e.db.Now()})
}

// completableStatuses is every source state task_complete accepts:
// anything not already done or cancelled. Cancelled tasks stay
// cancelled.
var completableStatuses = append(append([]Status{}, nonTerminalStatuses...), StatusBlocked)

// CompleteTask force-moves a task to done.
func (e *Engine) CompleteTask(ctx context.Context, id int64, actor, reason string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.transitionTask(ctx, task, StatusDone, completableStatuses, actor, reason,
		setClause{expr: "completed_at = " + e.db.Now()},
		setClause{expr: "status_before_blocked = NULL"})
}

// cancellableStatuses is every status except cancelled itself.
var cancellableStatuses = append(append([]Status{}, completableStatuses...), StatusDone)

// CancelTask cancels a task from any state. A leftover worktree is
// removed best-effort; failures only log.
func (e *Engine) CancelTask(ctx context.Context, id int64, actor, reason string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := e.transitionTask(ctx, task, StatusCancelled, cancellableStatuses, actor, reason,
		setClause{expr: "status_before_blocked = NULL"},
		setClause{expr: "completed_at = NULL"})
	if err != nil {
		return nil, err
	}

	if task.WorktreePath != "" && e.git != nil {
		project, perr := e.ensureProject(ctx, task.ProjectID)
		if perr == nil && project.WorkspacePath != "" {
			if werr := e.git.RemoveWorktree(repoPath(project.WorkspacePath), task.WorktreePath, task.GitBranch); werr != nil {
				e.logger.Warn("worktree cleanup failed", "task", id, "error", werr)
			}
		}
	}
	return updated, nil
}

// BlockTask parks a task, remembering where it was.
func (e *Engine) BlockTask(ctx context.Context, id int64, actor, reason string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}
	// status_before_blocked = status reads the pre-update value, so the
	// saved status is exactly the one the guard matched.
	return e.transitionTask(ctx, task, StatusBlocked, nonTerminalStatuses, actor, reason,
		setClause{expr: "status_before_blocked = status"},
		setClause{expr: "block_reason = ?", args: []any{nullable(reason)}})
}

// UnblockTask restores a blocked task to its saved status, defaulting
// to requirements when none was recorded.
func (e *Engine) UnblockTask(ctx context.Context, id int64, actor string) (*Task, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	task, err := e.ensureTask(ctx, id)
	if err != nil {
		return nil, err
	}

	restored := StatusRequirements
	if task.StatusBeforeBlocked != nil {
		restored = *task.StatusBeforeBlocked
	}
	return e.transitionTask(ctx, task, restored, []Status{StatusBlocked}, actor, "unblocked",
		setClause{expr: "status_before_blocked = NULL"},
		setClause{expr: "block_reason = NULL"})
}
