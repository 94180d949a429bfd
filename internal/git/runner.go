// Package git wraps the git CLI operations the workflow engine needs:
// worktree creation, worktree removal, and branch merging.
package git

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
)

// maxOutputBytes caps captured stdout/stderr per invocation.
const maxOutputBytes = 10 << 20 // 10 MiB

// CommandRunner executes git commands.
// This interface allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command in workDir and returns stdout and stderr.
	// A non-zero exit returns both streams plus a non-nil error.
	Run(workDir string, name string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner is the default CommandRunner using exec.Command.
// Git is invoked with LC_ALL=C so output classification sees a
// deterministic locale.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command using exec.Command.
func (r *ExecRunner) Run(workDir, name string, args ...string) (string, string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	stdout.Grow(64 << 10)
	cmd.Stdout = &capWriter{w: &stdout}
	cmd.Stderr = &capWriter{w: &stderr}

	err := cmd.Run()
	if err != nil {
		return stdout.String(), stderr.String(), &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  combinedOutput(stdout.String(), stderr.String()),
			Err:     err,
		}
	}
	return stdout.String(), stderr.String(), nil
}

// capWriter discards bytes past maxOutputBytes.
type capWriter struct {
	w *bytes.Buffer
	n int
}

func (c *capWriter) Write(p []byte) (int, error) {
	remain := maxOutputBytes - c.n
	if remain > 0 {
		if len(p) > remain {
			c.w.Write(p[:remain])
		} else {
			c.w.Write(p)
		}
	}
	c.n += len(p)
	return len(p), nil
}

func combinedOutput(stdout, stderr string) string {
	out := strings.TrimSpace(stdout)
	errOut := strings.TrimSpace(stderr)
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// CommandError represents a command execution error.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
