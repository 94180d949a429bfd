package proc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// Config holds supervisor settings.
type Config struct {
	// BaseDir holds state.json plus the logs/ and pids/ directories.
	BaseDir string
	// MaxLogSizeBytes caps each task's log file. Default 10 MiB.
	MaxLogSizeBytes int64
	// StopTimeout is the SIGTERM grace period before SIGKILL. Default 5s.
	StopTimeout time.Duration
	// BlockedEnv names environment variables stripped from children.
	BlockedEnv []string
	// AllowedCwds restricts task working directories. Entries are path
	// prefixes or doublestar patterns. Empty list allows any cwd.
	AllowedCwds []string

	Logger *slog.Logger
}

const (
	defaultMaxLogSize  = 10 << 20
	defaultStopTimeout = 5 * time.Second
)

// child tracks a process this supervisor instance spawned and owns.
type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	spool  *spoolWriter
	done   chan struct{}
	intent string // "", "kill", "timeout"
}

// Supervisor spawns, tracks, stops, and recovers supervised processes.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inited   bool
	tasks    map[string]*TaskRecord
	children map[string]*child
}

// New creates a Supervisor rooted at cfg.BaseDir.
func New(cfg Config) *Supervisor {
	if cfg.MaxLogSizeBytes <= 0 {
		cfg.MaxLogSizeBytes = defaultMaxLogSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "proc"),
		tasks:    make(map[string]*TaskRecord),
		children: make(map[string]*child),
	}
}

func (s *Supervisor) statePath() string {
	return filepath.Join(s.cfg.BaseDir, "state.json")
}

func (s *Supervisor) logPath(id string) string {
	return filepath.Join(s.cfg.BaseDir, "logs", id+".log")
}

func (s *Supervisor) pidPath(id string) string {
	return filepath.Join(s.cfg.BaseDir, "pids", id+".pid")
}

// Init loads the state file and reconciles records against live PIDs.
// Non-terminal records whose process is gone are marked lost.
// Idempotent: repeated calls after a successful load are no-ops.
func (s *Supervisor) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return nil
	}
	return s.initLocked()
}

func (s *Supervisor) initLocked() error {
	for _, dir := range []string{s.cfg.BaseDir, filepath.Join(s.cfg.BaseDir, "logs"), filepath.Join(s.cfg.BaseDir, "pids")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create supervisor dir: %w", err)
		}
	}

	st, err := loadState(s.statePath())
	if err != nil {
		return err
	}

	mutated := false
	now := time.Now().UTC()
	for id, rec := range st.Tasks {
		if rec.StdinAttached {
			rec.StdinAttached = false
			mutated = true
		}
		if rec.Status.IsTerminal() {
			continue
		}
		if rec.PID > 0 && pidAlive(rec.PID) {
			s.logger.Info("recovered running task", "id", id, "pid", rec.PID)
			continue
		}
		rec.Status = StatusLost
		rec.EndedAt = &now
		rec.UpdatedAt = now
		mutated = true
		s.logger.Warn("marked task lost during recovery", "id", id, "pid", rec.PID)
	}

	s.tasks = st.Tasks
	if mutated {
		if err := saveState(s.statePath(), &stateFile{Tasks: s.tasks}); err != nil {
			return err
		}
	}
	s.inited = true
	return nil
}

// ensureInitLocked lazily initializes on first public operation.
func (s *Supervisor) ensureInitLocked() error {
	if s.inited {
		return nil
	}
	return s.initLocked()
}

func (s *Supervisor) persistLocked() {
	if err := saveState(s.statePath(), &stateFile{Tasks: s.tasks}); err != nil {
		s.logger.Error("persist state failed", "error", err)
	}
}

// pidAlive checks whether a process with the given PID exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	return err == nil && alive
}

// StartRequest describes a process to supervise.
type StartRequest struct {
	ID          string            `json:"id,omitempty"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	ProjectID   string            `json:"projectId,omitempty"`
	Replace     bool              `json:"replace,omitempty"`
	Force       bool              `json:"force,omitempty"`
	ForceByTags bool              `json:"forceByTags,omitempty"`
	AttachStdin bool              `json:"attachStdin,omitempty"`
	// TimeoutMs kills the process after the given duration and marks it
	// timeout. Zero means no limit.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
	// StopTimeoutMs overrides the SIGTERM grace period used when this
	// start has to stop a previous incarnation.
	StopTimeoutMs int64 `json:"stopTimeoutMs,omitempty"`
}

// Start spawns a child through the shell and begins tracking it.
func (s *Supervisor) Start(req StartRequest) (*TaskRecord, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command required")
	}

	stopTimeout := s.cfg.StopTimeout
	if req.StopTimeoutMs > 0 {
		stopTimeout = time.Duration(req.StopTimeoutMs) * time.Millisecond
	}

	s.mu.Lock()
	if err := s.ensureInitLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()[:8]
	}

	// Collect tasks that must be stopped before this one can start.
	var toStop []string
	if existing, ok := s.tasks[id]; ok {
		switch {
		case !req.Replace:
			s.mu.Unlock()
			return nil, fmt.Errorf("Task already exists: %s", id)
		case existing.Status.IsTerminal():
			delete(s.tasks, id)
		case !req.Force:
			s.mu.Unlock()
			return nil, fmt.Errorf("Task %s still running", id)
		default:
			toStop = append(toStop, id)
		}
	}
	if req.ForceByTags && len(req.Tags) > 0 {
		for otherID, rec := range s.tasks {
			if otherID == id || rec.Status != StatusRunning {
				continue
			}
			if rec.sharesTag(req.Tags) {
				toStop = append(toStop, otherID)
			}
		}
	}
	s.mu.Unlock()

	for _, stopID := range toStop {
		if _, err := s.Stop(stopID, stopTimeout); err != nil {
			return nil, fmt.Errorf("stop %s before start: %w", stopID, err)
		}
	}

	if req.Cwd != "" && !s.cwdAllowed(req.Cwd) {
		return nil, fmt.Errorf("cwd not allowed: %s", req.Cwd)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[id]; ok && !existing.Status.IsTerminal() {
		return nil, fmt.Errorf("Task %s still running", id)
	}
	delete(s.tasks, id)
	return s.spawnLocked(id, req)
}

// cwdAllowed checks the working directory against AllowedCwds.
// Entries match as plain path prefixes or as doublestar patterns.
func (s *Supervisor) cwdAllowed(cwd string) bool {
	if len(s.cfg.AllowedCwds) == 0 {
		return true
	}
	clean := filepath.Clean(cwd)
	for _, allowed := range s.cfg.AllowedCwds {
		if strings.HasPrefix(clean, filepath.Clean(allowed)) {
			return true
		}
		if ok, err := doublestar.Match(allowed, clean); err == nil && ok {
			return true
		}
	}
	return false
}

// shellLine joins the command and arguments for bash -lc.
func shellLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return command + " " + strings.Join(quoted, " ")
}

// filteredEnv returns the inherited environment minus blocked names,
// overlaid with extra.
func (s *Supervisor) filteredEnv(extra map[string]string) []string {
	blocked := make(map[string]bool, len(s.cfg.BlockedEnv))
	for _, name := range s.cfg.BlockedEnv {
		blocked[name] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if blocked[name] {
			continue
		}
		if _, override := extra[name]; override {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		if blocked[k] {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Supervisor) spawnLocked(id string, req StartRequest) (*TaskRecord, error) {
	now := time.Now().UTC()
	rec := &TaskRecord{
		ID:            id,
		Status:        StatusPending,
		Command:       req.Command,
		Args:          req.Args,
		Cwd:           req.Cwd,
		Env:           req.Env,
		Tags:          req.Tags,
		ProjectID:     req.ProjectID,
		CreatedAt:     now,
		UpdatedAt:     now,
		LogPath:       s.logPath(id),
		PidPath:       s.pidPath(id),
		StdinAttached: req.AttachStdin,
	}

	spool, err := openSpool(rec.LogPath, s.cfg.MaxLogSizeBytes)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("bash", "-lc", shellLine(req.Command, req.Args))
	cmd.Dir = req.Cwd
	cmd.Env = s.filteredEnv(req.Env)
	cmd.Stdout = spool
	cmd.Stderr = spool
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	c := &child{cmd: cmd, spool: spool, done: make(chan struct{})}
	if req.AttachStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			_ = spool.Close()
			return nil, fmt.Errorf("attach stdin: %w", err)
		}
		c.stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		_ = spool.Close()
		ended := time.Now().UTC()
		rec.Status = StatusFailed
		rec.EndedAt = &ended
		rec.UpdatedAt = ended
		s.tasks[id] = rec
		s.persistLocked()
		return nil, fmt.Errorf("spawn %s: %w", id, err)
	}

	started := time.Now().UTC()
	rec.Status = StatusRunning
	rec.PID = cmd.Process.Pid
	rec.StartedAt = &started
	rec.UpdatedAt = started
	s.tasks[id] = rec
	s.children[id] = c
	if err := os.WriteFile(rec.PidPath, []byte(strconv.Itoa(rec.PID)), 0644); err != nil {
		s.logger.Warn("write pid file failed", "id", id, "error", err)
	}
	s.persistLocked()

	go s.waitChild(id, c)
	if req.TimeoutMs > 0 {
		go s.enforceTimeout(id, c, time.Duration(req.TimeoutMs)*time.Millisecond)
	}

	s.logger.Info("started task", "id", id, "pid", rec.PID, "command", req.Command)
	return rec.Clone(), nil
}

// waitChild reaps the process and records its final status.
func (s *Supervisor) waitChild(id string, c *child) {
	err := c.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[id]
	if ok {
		now := time.Now().UTC()
		exitCode := c.cmd.ProcessState.ExitCode()
		rec.ExitCode = &exitCode

		var sig syscall.Signal = -1
		if ws, ok := c.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig = ws.Signal()
			rec.ExitSignal = sig.String()
		}

		switch {
		case c.intent == "timeout":
			rec.Status = StatusTimeout
		case c.intent == "kill", sig == syscall.SIGKILL:
			rec.Status = StatusKilled
		case sig >= 0, exitCode == 0:
			rec.Status = StatusStopped
		default:
			rec.Status = StatusFailed
		}
		rec.EndedAt = &now
		rec.UpdatedAt = now
		rec.StdinAttached = false
		s.persistLocked()
		s.logger.Info("task exited", "id", id, "status", rec.Status, "exitCode", exitCode, "error", err)
	}

	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	_ = c.spool.Close()
	_ = os.Remove(s.pidPath(id))
	delete(s.children, id)
	close(c.done)
}

// enforceTimeout kills the process group once the run limit elapses.
func (s *Supervisor) enforceTimeout(id string, c *child, d time.Duration) {
	select {
	case <-c.done:
	case <-time.After(d):
		s.mu.Lock()
		if _, running := s.children[id]; running {
			c.intent = "timeout"
			killProcessGroup(c.cmd.Process.Pid, syscall.SIGKILL)
		}
		s.mu.Unlock()
	}
}

// killProcessGroup signals the process group, falling back to the
// process itself when no group exists.
func killProcessGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

// Stop terminates a task: SIGTERM, a grace period, then SIGKILL.
// Returns the final record.
func (s *Supervisor) Stop(id string, timeout time.Duration) (*TaskRecord, error) {
	if timeout <= 0 {
		timeout = s.cfg.StopTimeout
	}

	s.mu.Lock()
	if err := s.ensureInitLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("Task not found: %s", id)
	}
	if rec.Status.IsTerminal() {
		out := rec.Clone()
		s.mu.Unlock()
		return out, nil
	}
	c := s.children[id]
	pid := rec.PID
	s.mu.Unlock()

	if c != nil {
		killProcessGroup(pid, syscall.SIGTERM)
		select {
		case <-c.done:
		case <-time.After(timeout):
			s.mu.Lock()
			c.intent = "kill"
			s.mu.Unlock()
			killProcessGroup(pid, syscall.SIGKILL)
			<-c.done
		}
		return s.Status(id)
	}

	// Recovered task from a previous supervisor run: we have no handle
	// to wait on, only the PID.
	return s.stopForeign(id, pid, timeout)
}

func (s *Supervisor) stopForeign(id string, pid int, timeout time.Duration) (*TaskRecord, error) {
	status := StatusStopped
	if pid > 0 && pidAlive(pid) {
		killProcessGroup(pid, syscall.SIGTERM)
		deadline := time.Now().Add(timeout)
		for pidAlive(pid) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if pidAlive(pid) {
			killProcessGroup(pid, syscall.SIGKILL)
			for i := 0; i < 20 && pidAlive(pid); i++ {
				time.Sleep(50 * time.Millisecond)
			}
			status = StatusKilled
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("Task not found: %s", id)
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.EndedAt = &now
	rec.UpdatedAt = now
	s.persistLocked()
	_ = os.Remove(s.pidPath(id))
	return rec.Clone(), nil
}

// Restart stops a task if needed and starts it again with the same
// recorded command, cwd, env, and tags.
func (s *Supervisor) Restart(id string, opts StartRequest) (*TaskRecord, error) {
	s.mu.Lock()
	if err := s.ensureInitLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("Task not found: %s", id)
	}
	req := StartRequest{
		ID:            id,
		Command:       rec.Command,
		Args:          rec.Args,
		Cwd:           rec.Cwd,
		Env:           rec.Env,
		Tags:          rec.Tags,
		ProjectID:     rec.ProjectID,
		Replace:       true,
		Force:         true,
		AttachStdin:   opts.AttachStdin,
		TimeoutMs:     opts.TimeoutMs,
		StopTimeoutMs: opts.StopTimeoutMs,
	}
	s.mu.Unlock()

	return s.Start(req)
}

// Status returns a copy of the record for id.
func (s *Supervisor) Status(id string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureInitLocked(); err != nil {
		return nil, err
	}
	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("Task not found: %s", id)
	}
	return rec.Clone(), nil
}

// List returns all records ordered by creation time, then id.
func (s *Supervisor) List() ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureInitLocked(); err != nil {
		return nil, err
	}
	out := make([]*TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListByTags returns records sharing at least one tag with tags.
func (s *Supervisor) ListByTags(tags []string) ([]*TaskRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*TaskRecord
	for _, rec := range all {
		if rec.sharesTag(tags) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListRunningForProject returns running records tagged with projectID.
func (s *Supervisor) ListRunningForProject(projectID string) ([]*TaskRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*TaskRecord
	for _, rec := range all {
		if rec.Status == StatusRunning && rec.ProjectID == projectID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Wait blocks until the task reaches a terminal status or the timeout
// elapses. A timeout returns the current record plus an error.
func (s *Supervisor) Wait(id string, timeout time.Duration) (*TaskRecord, error) {
	s.mu.Lock()
	if err := s.ensureInitLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("Task not found: %s", id)
	}
	if rec.Status.IsTerminal() {
		out := rec.Clone()
		s.mu.Unlock()
		return out, nil
	}
	c := s.children[id]
	pid := rec.PID
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	if c != nil {
		var timer <-chan time.Time
		if timeout > 0 {
			timer = time.After(timeout)
		}
		select {
		case <-c.done:
			return s.Status(id)
		case <-timer:
			rec, _ := s.Status(id)
			return rec, fmt.Errorf("wait timeout for %s", id)
		}
	}

	// Foreign PID: poll liveness.
	for pidAlive(pid) {
		if timeout > 0 && time.Now().After(deadline) {
			rec, _ := s.Status(id)
			return rec, fmt.Errorf("wait timeout for %s", id)
		}
		time.Sleep(200 * time.Millisecond)
	}

	s.mu.Lock()
	rec, ok = s.tasks[id]
	if ok && !rec.Status.IsTerminal() {
		now := time.Now().UTC()
		rec.Status = StatusLost
		rec.EndedAt = &now
		rec.UpdatedAt = now
		s.persistLocked()
	}
	var out *TaskRecord
	if ok {
		out = rec.Clone()
	}
	s.mu.Unlock()
	if out == nil {
		return nil, fmt.Errorf("Task not found: %s", id)
	}
	return out, nil
}

// WriteStdin writes data to the task's attached stdin.
func (s *Supervisor) WriteStdin(id string, data string) error {
	s.mu.Lock()
	if err := s.ensureInitLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("Task not found: %s", id)
	}
	c := s.children[id]
	if !rec.StdinAttached || c == nil || c.stdin == nil {
		s.mu.Unlock()
		return fmt.Errorf("stdin not attached for %s", id)
	}
	stdin := c.stdin
	s.mu.Unlock()

	_, err := io.WriteString(stdin, data)
	return err
}

// Logs reads a slice of the task's spooled output.
func (s *Supervisor) Logs(req LogsRequest) (*LogsResult, error) {
	s.mu.Lock()
	if err := s.ensureInitLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	rec, ok := s.tasks[req.ID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("Task not found: %s", req.ID)
	}
	path := rec.LogPath
	s.mu.Unlock()

	return readLogs(path, req)
}

// Prune removes terminal records whose endedAt is older than the
// cutoff. olderThan == 0 removes every terminal record. Log and pid
// files are deleted alongside the records.
func (s *Supervisor) Prune(olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureInitLocked(); err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	var removed []string
	for id, rec := range s.tasks {
		if !rec.Status.IsTerminal() {
			continue
		}
		if olderThan > 0 && (rec.EndedAt == nil || rec.EndedAt.After(cutoff)) {
			continue
		}
		delete(s.tasks, id)
		_ = os.Remove(rec.LogPath)
		if rec.PidPath != "" {
			_ = os.Remove(rec.PidPath)
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		s.persistLocked()
	}
	sort.Strings(removed)
	return removed, nil
}
