package engine

import (
	"context"
	"strings"

	"github.com/mbarlow/wrangler/internal/errors"
	"github.com/mbarlow/wrangler/internal/proc"
)

const maxProjectIDLen = 64

// CreateProjectParams are the inputs to CreateProject. ID and Name are
// required; the rest default per schema.
type CreateProjectParams struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	WorkspacePath   string `json:"workspacePath,omitempty"`
	RemoteURL       string `json:"remoteUrl,omitempty"`
	TelegramTopicID *int64 `json:"telegramTopicId,omitempty"`
	HasBuildStep    *bool  `json:"hasBuildStep,omitempty"`
	HasDeployStep   *bool  `json:"hasDeployStep,omitempty"`
}

// CreateProject inserts a project in state planning. Build and deploy
// steps default to configured unless explicitly disabled.
func (e *Engine) CreateProject(ctx context.Context, p CreateProjectParams) (*Project, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, errors.Required("id")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.Required("name")
	}
	if len(p.ID) > maxProjectIDLen {
		return nil, errors.Precondition("project id exceeds 64 characters")
	}

	hasBuild := true
	if p.HasBuildStep != nil {
		hasBuild = *p.HasBuildStep
	}
	hasDeploy := true
	if p.HasDeployStep != nil {
		hasDeploy = *p.HasDeployStep
	}

	var topicID any
	if p.TelegramTopicID != nil {
		topicID = *p.TelegramTopicID
	}

	_, err := e.db.Exec(ctx,
		`INSERT INTO projects (id, name, description, workspace_path, remote_url,
		                       telegram_topic_id, has_build_step, has_deploy_step, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullable(p.Description), nullable(p.WorkspacePath),
		nullable(p.RemoteURL), topicID, hasBuild, hasDeploy, string(ProjectPlanning))
	if err != nil {
		return nil, errors.Wrap(err, "create project")
	}

	e.logger.Info("project created", "project", p.ID)
	return e.ensureProject(ctx, p.ID)
}

// UpdateProjectParams carries optional field updates; nil means leave
// unchanged. State changes are validated against the project machine.
type UpdateProjectParams struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	WorkspacePath   *string `json:"workspacePath,omitempty"`
	RemoteURL       *string `json:"remoteUrl,omitempty"`
	TelegramTopicID *int64  `json:"telegramTopicId,omitempty"`
	HasBuildStep    *bool   `json:"hasBuildStep,omitempty"`
	HasDeployStep   *bool   `json:"hasDeployStep,omitempty"`
	State           *string `json:"state,omitempty"`
}

// UpdateProject applies partial updates to a project.
func (e *Engine) UpdateProject(ctx context.Context, id string, p UpdateProjectParams) (*Project, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	current, err := e.ensureProject(ctx, id)
	if err != nil {
		return nil, err
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Description != nil {
		set("description", nullable(*p.Description))
	}
	if p.WorkspacePath != nil {
		set("workspace_path", nullable(*p.WorkspacePath))
	}
	if p.RemoteURL != nil {
		set("remote_url", nullable(*p.RemoteURL))
	}
	if p.TelegramTopicID != nil {
		set("telegram_topic_id", *p.TelegramTopicID)
	}
	if p.HasBuildStep != nil {
		set("has_build_step", *p.HasBuildStep)
	}
	if p.HasDeployStep != nil {
		set("has_deploy_step", *p.HasDeployStep)
	}
	if p.State != nil {
		to := ProjectState(*p.State)
		if err := validateProjectTransition(current.State, to); err != nil {
			return nil, err
		}
		set("state", string(to))
	}

	if len(sets) == 0 {
		return current, nil
	}

	query := "UPDATE projects SET " + strings.Join(sets, ", ") +
		", updated_at = " + e.db.Now() + " WHERE id = ?"
	args = append(args, id)
	if _, err := e.db.Exec(ctx, query, args...); err != nil {
		return nil, errors.Wrap(err, "update project")
	}
	return e.ensureProject(ctx, id)
}

// DeleteProject removes a project; owned rows cascade.
func (e *Engine) DeleteProject(ctx context.Context, id string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if _, err := e.ensureProject(ctx, id); err != nil {
		return err
	}
	if _, err := e.db.Exec(ctx, "DELETE FROM projects WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "delete project")
	}
	e.logger.Info("project deleted", "project", id)
	return nil
}

// ListProjects returns all projects ordered by creation time.
func (e *Engine) ListProjects(ctx context.Context) ([]*Project, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rows, err := e.db.Query(ctx, "SELECT "+projectColumns+" FROM projects ORDER BY created_at, id")
	if err != nil {
		return nil, errors.Wrap(err, "list projects")
	}
	defer func() { _ = rows.Close() }()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan project")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProjectContext is the project_get bundle: the project plus everything
// attached to it, including live supervisor processes.
type ProjectContext struct {
	Project          *Project           `json:"project"`
	Links            []*Link            `json:"links"`
	Commands         []*Command         `json:"commands"`
	Tasks            []*Task            `json:"tasks"`
	TaskDependencies []*Dependency      `json:"task_dependencies"`
	RecentMemory     []*MemoryNote      `json:"recent_memory"`
	RunningProcesses []*proc.TaskRecord `json:"running_processes"`
}

// GetProject assembles the full project context.
func (e *Engine) GetProject(ctx context.Context, id string) (*ProjectContext, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	project, err := e.ensureProject(ctx, id)
	if err != nil {
		return nil, err
	}

	links, err := e.ListLinks(ctx, id)
	if err != nil {
		return nil, err
	}
	commands, err := e.ListCommands(ctx, id, "")
	if err != nil {
		return nil, err
	}
	tasks, err := e.ListTasks(ctx, id, "")
	if err != nil {
		return nil, err
	}
	deps, err := e.listProjectDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	memory, err := e.ListMemory(ctx, id, "", recentMemoryLimit)
	if err != nil {
		return nil, err
	}

	running := []*proc.TaskRecord{}
	if e.runner != nil {
		if recs, err := e.runner.ListRunningForProject(id); err == nil && recs != nil {
			running = recs
		}
	}

	return &ProjectContext{
		Project:          project,
		Links:            links,
		Commands:         commands,
		Tasks:            tasks,
		TaskDependencies: deps,
		RecentMemory:     memory,
		RunningProcesses: running,
	}, nil
}

const recentMemoryLimit = 50

// listProjectDependencies returns every dependency edge between tasks
// of the project.
func (e *Engine) listProjectDependencies(ctx context.Context, projectID string) ([]*Dependency, error) {
	rows, err := e.db.Query(ctx,
		`SELECT d.task_id, d.depends_on_id
		 FROM project_task_dependencies d
		 JOIN project_tasks t ON t.id = d.task_id
		 WHERE t.project_id = ?
		 ORDER BY d.task_id, d.depends_on_id`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "list dependencies")
	}
	defer func() { _ = rows.Close() }()

	out := []*Dependency{}
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.TaskID, &d.DependsOnID); err != nil {
			return nil, errors.Wrap(err, "scan dependency")
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
