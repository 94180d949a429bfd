// Package engine implements the project-and-task workflow engine.
//
// Projects and tasks move through validated state machines persisted in
// the relational store. Task transitions are race-safe: every mutation
// is a conditional UPDATE guarded by the allowed from-set, and exactly
// one status-history row is appended per successful transition.
package engine

import "time"

// ProjectState is the lifecycle state of a project.
type ProjectState string

const (
	ProjectPlanning ProjectState = "planning"
	ProjectActive   ProjectState = "active"
	ProjectPaused   ProjectState = "paused"
	ProjectComplete ProjectState = "complete"
	ProjectArchived ProjectState = "archived"
)

// Status is the lifecycle state of a workflow task.
type Status string

const (
	StatusRequirements     Status = "requirements"
	StatusImplementing     Status = "implementing"
	StatusReviewRequested  Status = "review_requested"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMerging          Status = "merging"
	StatusMergeConflict    Status = "merge_conflict"
	StatusBuilding         Status = "building"
	StatusDeploying        Status = "deploying"
	StatusDone             Status = "done"
	StatusBlocked          Status = "blocked"
	StatusCancelled        Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// TaskType classifies a task and determines its creation defaults.
type TaskType string

const (
	TypeFeature   TaskType = "feature"
	TypeBugfix    TaskType = "bugfix"
	TypeIteration TaskType = "iteration"
	TypeHotfix    TaskType = "hotfix"
	TypeChore     TaskType = "chore"
)

// typeDefaults maps task types to their branching/review defaults.
// Applied only at creation; callers may override either flag.
var typeDefaults = map[TaskType]struct{ branching, review bool }{
	TypeFeature:   {true, true},
	TypeBugfix:    {true, false},
	TypeIteration: {false, true},
	TypeHotfix:    {false, false},
	TypeChore:     {true, false},
}

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t TaskType) bool {
	_, ok := typeDefaults[t]
	return ok
}

// Project is a row of the projects table.
type Project struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	WorkspacePath   string       `json:"workspace_path,omitempty"`
	RemoteURL       string       `json:"remote_url,omitempty"`
	TelegramTopicID *int64       `json:"telegram_topic_id,omitempty"`
	HasBuildStep    bool         `json:"has_build_step"`
	HasDeployStep   bool         `json:"has_deploy_step"`
	State           ProjectState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Task is a row of the project_tasks table.
type Task struct {
	ID                  int64      `json:"id"`
	ProjectID           string     `json:"project_id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	TaskType            TaskType   `json:"task_type"`
	Status              Status     `json:"status"`
	StatusBeforeBlocked *Status    `json:"status_before_blocked,omitempty"`
	RequiresBranching   bool       `json:"requires_branching"`
	RequiresHumanReview bool       `json:"requires_human_review"`
	Priority            int        `json:"priority"`
	Phase               string     `json:"phase,omitempty"`
	AssignedModel       string     `json:"assigned_model,omitempty"`
	GitBranch           string     `json:"git_branch,omitempty"`
	WorktreePath        string     `json:"worktree_path,omitempty"`
	DevServerURL        string     `json:"dev_server_url,omitempty"`
	ReviewNotes         string     `json:"review_notes,omitempty"`
	ReviewFeedback      string     `json:"review_feedback,omitempty"`
	BlockReason         string     `json:"block_reason,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Link is a labelled URL attached to a project.
type Link struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Label     string    `json:"label"`
	URL       string    `json:"url"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Command is a stored shell template tied to a project.
type Command struct {
	ID           int64      `json:"id"`
	ProjectID    string     `json:"project_id"`
	Label        string     `json:"label"`
	Command      string     `json:"command"`
	Category     string     `json:"category"`
	RunMode      string     `json:"run_mode"`
	TaskRunnerID string     `json:"task_runner_id,omitempty"`
	Description  string     `json:"description,omitempty"`
	Locked       bool       `json:"locked"`
	LockedBy     string     `json:"locked_by,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Dependency is a directed edge: task waits on depends_on.
type Dependency struct {
	TaskID      int64 `json:"task_id"`
	DependsOnID int64 `json:"depends_on_id"`
}

// HistoryEntry is one row of the append-only status log.
type HistoryEntry struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	FromStatus *Status   `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attempt records one agent run against a task.
type Attempt struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	SessionKey string    `json:"session_key,omitempty"`
	Model      string    `json:"model,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"created_at"`
}

// MemoryNote is a typed note attached to a project.
type MemoryNote struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
