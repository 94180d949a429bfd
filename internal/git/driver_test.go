package git

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and returns scripted results.
type fakeRunner struct {
	calls   [][]string
	results []fakeResult
}

type fakeResult struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(workDir, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(f.results) == 0 {
		return "", "", nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.stdout, r.stderr, r.err
}

func cmdLine(call []string) string {
	return strings.Join(call, " ")
}

func TestCreateWorktree(t *testing.T) {
	fake := &fakeRunner{}
	d := NewDriver(fake)

	err := d.CreateWorktree("/repo/main", "/repo/worktrees/task-7", "task/7")
	require.NoError(t, err)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "git -C /repo/main worktree add -B task/7 /repo/worktrees/task-7", cmdLine(fake.calls[0]))
}

func TestCreateWorktreeFailure(t *testing.T) {
	fake := &fakeRunner{results: []fakeResult{
		{stderr: "fatal: not a git repository", err: errors.New("exit status 128")},
	}}
	d := NewDriver(fake)

	err := d.CreateWorktree("/repo/main", "/wt", "task/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a git repository")
}

func TestRemoveWorktreeSwallowsSecondaryFailures(t *testing.T) {
	fake := &fakeRunner{results: []fakeResult{
		{}, // worktree remove ok
		{stderr: "error: branch 'task/1' not found", err: errors.New("exit status 1")},
		{stderr: "prune failed", err: errors.New("exit status 1")},
	}}
	d := NewDriver(fake)

	err := d.RemoveWorktree("/repo/main", "/wt", "task/1")
	require.NoError(t, err)
	require.Len(t, fake.calls, 3)
	assert.Equal(t, "git -C /repo/main worktree remove --force /wt", cmdLine(fake.calls[0]))
	assert.Equal(t, "git -C /repo/main branch -D task/1", cmdLine(fake.calls[1]))
	assert.Equal(t, "git -C /repo/main worktree prune", cmdLine(fake.calls[2]))
}

func TestRemoveWorktreePrimaryFailurePropagates(t *testing.T) {
	fake := &fakeRunner{results: []fakeResult{
		{stderr: "fatal: '/wt' is not a working tree", err: errors.New("exit status 128")},
		{},
		{},
	}}
	d := NewDriver(fake)

	err := d.RemoveWorktree("/repo/main", "/wt", "task/1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a working tree")
	// Secondary cleanups still ran.
	assert.Len(t, fake.calls, 3)
}

func TestRemoveWorktreeSkipsEmptyBranch(t *testing.T) {
	fake := &fakeRunner{}
	d := NewDriver(fake)

	require.NoError(t, d.RemoveWorktree("/repo/main", "/wt", ""))
	require.Len(t, fake.calls, 2)
	assert.Equal(t, "git -C /repo/main worktree remove --force /wt", cmdLine(fake.calls[0]))
	assert.Equal(t, "git -C /repo/main worktree prune", cmdLine(fake.calls[1]))
}

func TestMergeBranchSuccess(t *testing.T) {
	fake := &fakeRunner{results: []fakeResult{
		{stdout: "Merge made by the 'ort' strategy."},
	}}
	d := NewDriver(fake)

	res, err := d.MergeBranch("/repo/main", "task/3")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Conflict)
	assert.Equal(t, "git merge --no-ff task/3", cmdLine(fake.calls[0]))
}

func TestMergeBranchConflictAborts(t *testing.T) {
	fake := &fakeRunner{results: []fakeResult{
		{
			stdout: "CONFLICT (content): Merge conflict in main.go\nAutomatic merge failed; fix conflicts and then commit the result.",
			err:    errors.New("exit status 1"),
		},
		{}, // merge --abort
	}}
	d := NewDriver(fake)

	res, err := d.MergeBranch("/repo/main", "task/3")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Conflict)
	require.Len(t, fake.calls, 2)
	assert.Equal(t, "git merge --abort", cmdLine(fake.calls[1]))
}

func TestMergeBranchNonConflictFailure(t *testing.T) {
	fake := &fakeRunner{results: []fakeResult{
		{stderr: "fatal: refusing to merge unrelated histories", err: errors.New("exit status 128")},
	}}
	d := NewDriver(fake)

	res, err := d.MergeBranch("/repo/main", "task/3")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Conflict)
	assert.Contains(t, res.Output, "unrelated histories")
	// No abort after a failure that never started the merge.
	assert.Len(t, fake.calls, 1)
}

func TestIsConflictOutput(t *testing.T) {
	assert.True(t, isConflictOutput("CONFLICT (content): Merge conflict in a.go"))
	assert.True(t, isConflictOutput("Automatic merge failed; fix conflicts"))
	assert.True(t, isConflictOutput("automatic MERGE FAILED"))
	assert.False(t, isConflictOutput("fatal: not something we know"))
}
