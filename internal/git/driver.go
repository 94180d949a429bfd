package git

import (
	"fmt"
	"strings"
)

// Driver performs the branching and merging side effects of the
// workflow engine. All operations run through a CommandRunner.
type Driver struct {
	runner CommandRunner
}

// NewDriver creates a Driver with the given runner.
// A nil runner defaults to ExecRunner.
func NewDriver(runner CommandRunner) *Driver {
	if runner == nil {
		runner = NewExecRunner()
	}
	return &Driver{runner: runner}
}

// MergeResult holds the structured outcome of MergeBranch.
type MergeResult struct {
	Success  bool   `json:"success"`
	Conflict bool   `json:"conflict"`
	Output   string `json:"output"`
}

// CreateWorktree creates or resets branch at HEAD and checks it out at
// worktreePath.
func (d *Driver) CreateWorktree(repo, worktreePath, branch string) error {
	stdout, stderr, err := d.runner.Run(repo, "git", "-C", repo, "worktree", "add", "-B", branch, worktreePath)
	if err != nil {
		return fmt.Errorf("create worktree for %s: %s", branch, combinedOutput(stdout, stderr))
	}
	return nil
}

// RemoveWorktree removes a task's worktree and deletes its branch.
// Branch deletion and pruning are secondary cleanups: their failures
// are swallowed. A failure of the worktree removal itself propagates
// after the cleanups have run.
func (d *Driver) RemoveWorktree(repo, worktreePath, branch string) error {
	var primary error
	if stdout, stderr, err := d.runner.Run(repo, "git", "-C", repo, "worktree", "remove", "--force", worktreePath); err != nil {
		primary = fmt.Errorf("remove worktree %s: %s", worktreePath, combinedOutput(stdout, stderr))
	}

	if branch != "" {
		_, _, _ = d.runner.Run(repo, "git", "-C", repo, "branch", "-D", branch)
	}
	_, _, _ = d.runner.Run(repo, "git", "-C", repo, "worktree", "prune")

	return primary
}

// MergeBranch merges branch into the currently checked-out branch with
// --no-ff. On conflict the merge is aborted (best-effort) before the
// result is returned; any other failure is reported as output.
func (d *Driver) MergeBranch(repo, branch string) (*MergeResult, error) {
	stdout, stderr, err := d.runner.Run(repo, "git", "merge", "--no-ff", branch)
	output := combinedOutput(stdout, stderr)
	if err == nil {
		return &MergeResult{Success: true, Output: output}, nil
	}

	if isConflictOutput(output) {
		_, _, _ = d.runner.Run(repo, "git", "merge", "--abort")
		return &MergeResult{Conflict: true, Output: output}, nil
	}

	return &MergeResult{Output: output}, nil
}

// isConflictOutput classifies a failed merge by its combined output.
// The runner forces LC_ALL=C, so the English markers are stable.
func isConflictOutput(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "conflict") || strings.Contains(lower, "automatic merge failed")
}
