package proc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(Config{BaseDir: t.TempDir(), StopTimeout: 2 * time.Second})
}

func TestStartAndWait(t *testing.T) {
	s := newTestSupervisor(t)

	rec, err := s.Start(StartRequest{ID: "echo", Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Greater(t, rec.PID, 0)

	final, err := s.Wait("echo", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	require.NotNil(t, final.EndedAt)

	logs, err := s.Logs(LogsRequest{ID: "echo"})
	require.NoError(t, err)
	assert.Contains(t, logs.Data, "hello")
}

func TestNonZeroExitIsFailed(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "bad", Command: "exit 3"})
	require.NoError(t, err)

	final, err := s.Wait("bad", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 3, *final.ExitCode)
}

func TestDuplicateIDRejected(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "dup", Command: "sleep 5"})
	require.NoError(t, err)
	defer func() { _, _ = s.Stop("dup", time.Second) }()

	_, err = s.Start(StartRequest{ID: "dup", Command: "echo again"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestReplaceRequiresForceWhileRunning(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "r", Command: "sleep 30"})
	require.NoError(t, err)

	_, err = s.Start(StartRequest{ID: "r", Command: "echo new", Replace: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")

	rec, err := s.Start(StartRequest{ID: "r", Command: "echo new", Replace: true, Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)

	final, err := s.Wait("r", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, final.Status)
}

func TestReplaceTerminalRecord(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "t", Command: "echo one"})
	require.NoError(t, err)
	_, err = s.Wait("t", 5*time.Second)
	require.NoError(t, err)

	rec, err := s.Start(StartRequest{ID: "t", Command: "echo two", Replace: true})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	_, _ = s.Wait("t", 5*time.Second)
}

func TestStopEscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t)

	// Trap TERM so only KILL can end it.
	_, err := s.Start(StartRequest{ID: "stubborn", Command: "trap '' TERM; while true; do sleep 1; done"})
	require.NoError(t, err)

	final, err := s.Stop("stubborn", 500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, final.Status)
}

func TestStopCleanExit(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "polite", Command: "sleep 60"})
	require.NoError(t, err)

	final, err := s.Stop("polite", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, final.Status)
}

func TestForceByTagsStopsSiblings(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "a", Command: "sleep 60", Tags: []string{"project", "p1"}})
	require.NoError(t, err)

	_, err = s.Start(StartRequest{ID: "b", Command: "sleep 1", Tags: []string{"p1"}, ForceByTags: true})
	require.NoError(t, err)

	recA, err := s.Status("a")
	require.NoError(t, err)
	assert.True(t, recA.Status.IsTerminal(), "tagged sibling should have been stopped, got %s", recA.Status)
	_, _ = s.Wait("b", 5*time.Second)
}

func TestTimeoutStatus(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "slow", Command: "sleep 60", TimeoutMs: 200})
	require.NoError(t, err)

	final, err := s.Wait("slow", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, final.Status)
}

func TestWriteStdin(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "cat", Command: "cat", AttachStdin: true})
	require.NoError(t, err)

	require.NoError(t, s.WriteStdin("cat", "ping\n"))
	time.Sleep(300 * time.Millisecond)

	_, err = s.Stop("cat", time.Second)
	require.NoError(t, err)

	logs, err := s.Logs(LogsRequest{ID: "cat"})
	require.NoError(t, err)
	assert.Contains(t, logs.Data, "ping")

	err = s.WriteStdin("cat", "late\n")
	require.Error(t, err)
}

func TestRecoveryMarksDeadPIDLost(t *testing.T) {
	base := t.TempDir()

	// Write a state file describing a running task whose PID is dead.
	dead := 999999
	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	st := &stateFile{
		Version: stateFileVersion,
		Tasks: map[string]*TaskRecord{
			"x": {
				ID:            "x",
				Status:        StatusRunning,
				PID:           dead,
				Command:       "sleep 600",
				CreatedAt:     started,
				StartedAt:     &started,
				UpdatedAt:     started,
				LogPath:       filepath.Join(base, "logs", "x.log"),
				StdinAttached: true,
			},
		},
	}
	require.NoError(t, saveState(filepath.Join(base, "state.json"), st))

	s := New(Config{BaseDir: base})
	require.NoError(t, s.Init())

	rec, err := s.Status("x")
	require.NoError(t, err)
	assert.Equal(t, StatusLost, rec.Status)
	require.NotNil(t, rec.EndedAt)
	assert.False(t, rec.StdinAttached)

	// The rewritten file reflects the reconciliation.
	data, err := os.ReadFile(filepath.Join(base, "state.json"))
	require.NoError(t, err)
	var onDisk stateFile
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, StatusLost, onDisk.Tasks["x"].Status)

	// Init is idempotent.
	require.NoError(t, s.Init())

	// A replace start over the lost record succeeds.
	restarted, err := s.Start(StartRequest{ID: "x", Command: "echo back", Replace: true})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, restarted.Status)
	_, _ = s.Wait("x", 5*time.Second)
}

func TestRestartReusesRecordedCommand(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "re", Command: "echo round", Tags: []string{"t"}, ProjectID: "p1"})
	require.NoError(t, err)
	_, err = s.Wait("re", 5*time.Second)
	require.NoError(t, err)

	rec, err := s.Restart("re", StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, "echo round", rec.Command)
	assert.Equal(t, "p1", rec.ProjectID)
	_, _ = s.Wait("re", 5*time.Second)
}

func TestPrune(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "old", Command: "echo done"})
	require.NoError(t, err)
	_, err = s.Wait("old", 5*time.Second)
	require.NoError(t, err)

	_, err = s.Start(StartRequest{ID: "live", Command: "sleep 30"})
	require.NoError(t, err)

	removed, err := s.Prune(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, removed)

	// Running task untouched.
	_, err = s.Status("live")
	require.NoError(t, err)
	_, _ = s.Stop("live", time.Second)

	// Cutoff in the distant past removes nothing.
	removed, err = s.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestListOrdering(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "one", Command: "echo 1"})
	require.NoError(t, err)
	_, err = s.Start(StartRequest{ID: "two", Command: "echo 2", ProjectID: "p9", Tags: []string{"project", "p9"}})
	require.NoError(t, err)
	_, _ = s.Wait("one", 5*time.Second)

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "one", all[0].ID)
}

func TestListByTags(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start(StartRequest{ID: "a", Command: "echo a", Tags: []string{"project", "p1"}})
	require.NoError(t, err)
	_, err = s.Start(StartRequest{ID: "b", Command: "echo b", Tags: []string{"project", "p2"}})
	require.NoError(t, err)
	_, _ = s.Wait("a", 5*time.Second)
	_, _ = s.Wait("b", 5*time.Second)

	matched, err := s.ListByTags([]string{"p1"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "a", matched[0].ID)

	matched, err = s.ListByTags([]string{"project"})
	require.NoError(t, err)
	assert.Len(t, matched, 2)
}

func TestCwdAllowed(t *testing.T) {
	s := New(Config{BaseDir: t.TempDir(), AllowedCwds: []string{"/srv/projects", "/tmp/**"}})

	assert.True(t, s.cwdAllowed("/srv/projects/app"))
	assert.True(t, s.cwdAllowed("/tmp/scratch/x"))
	assert.False(t, s.cwdAllowed("/etc"))

	open := New(Config{BaseDir: t.TempDir()})
	assert.True(t, open.cwdAllowed("/anywhere"))
}

func TestCwdRejectedOnStart(t *testing.T) {
	s := New(Config{BaseDir: t.TempDir(), AllowedCwds: []string{"/srv/projects"}})

	_, err := s.Start(StartRequest{ID: "x", Command: "echo hi", Cwd: "/etc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cwd not allowed")
}

func TestShellLine(t *testing.T) {
	assert.Equal(t, "npm run dev", shellLine("npm run dev", nil))
	assert.Equal(t, "echo 'a b' 'c'", shellLine("echo", []string{"a b", "c"}))
	assert.Equal(t, `echo 'it'\''s'`, shellLine("echo", []string{"it's"}))
}

func TestFilteredEnv(t *testing.T) {
	t.Setenv("WRANGLER_SECRET", "s3cret")
	t.Setenv("KEEP_ME", "yes")

	s := New(Config{BaseDir: t.TempDir(), BlockedEnv: []string{"WRANGLER_SECRET"}})
	env := s.filteredEnv(map[string]string{"EXTRA": "1", "KEEP_ME": "override"})

	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "WRANGLER_SECRET=")
	assert.Contains(t, joined, "EXTRA=1")
	assert.Contains(t, joined, "KEEP_ME=override")
	assert.NotContains(t, joined, "KEEP_ME=yes")
}

func TestGeneratedID(t *testing.T) {
	s := newTestSupervisor(t)

	rec, err := s.Start(StartRequest{Command: "echo anon"})
	require.NoError(t, err)
	assert.Len(t, rec.ID, 8)
	_, _ = s.Wait(rec.ID, 5*time.Second)
}

func TestSpoolCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cap.log")
	w, err := openSpool(path, 64)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := w.Write([]byte("0123456789012345678901234567890\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(64+len("[log truncated]\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[log truncated]")
}

func TestReadLogsRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.log")
	require.NoError(t, os.WriteFile(path, []byte("abcdefghij"), 0644))

	res, err := readLogs(path, LogsRequest{ID: "x", TailBytes: 4})
	require.NoError(t, err)
	assert.Equal(t, "ghij", res.Data)
	assert.Equal(t, int64(6), res.Offset)
	assert.Equal(t, int64(10), res.FileSize)

	res, err = readLogs(path, LogsRequest{ID: "x", SinceBytes: 6})
	require.NoError(t, err)
	assert.Equal(t, "ghij", res.Data)

	res, err = readLogs(path, LogsRequest{ID: "x", SinceBytes: 2, MaxBytes: 3})
	require.NoError(t, err)
	assert.Equal(t, "cde", res.Data)
	assert.True(t, res.Truncated)

	res, err = readLogs(filepath.Join(t.TempDir(), "missing.log"), LogsRequest{ID: "x"})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
}
