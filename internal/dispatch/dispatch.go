// Package dispatch routes flat action envelopes onto the workflow
// engine. The action surface is a fixed table of 38 names; parameters
// arrive as a free-form JSON object and are coerced field by field.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/mbarlow/wrangler/internal/engine"
	"github.com/mbarlow/wrangler/internal/errors"
)

// Request is the wire envelope for one action invocation.
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Dispatcher routes actions to engine methods.
type Dispatcher struct {
	engine   *engine.Engine
	handlers map[string]handler
}

type handler func(ctx context.Context, p params) (any, error)

// New builds a dispatcher over the given engine.
func New(eng *engine.Engine) *Dispatcher {
	d := &Dispatcher{engine: eng}
	d.handlers = map[string]handler{
		"project_create": d.projectCreate,
		"project_get":    d.projectGet,
		"project_list":   d.projectList,
		"project_update": d.projectUpdate,
		"project_delete": d.projectDelete,

		"link_add":    d.linkAdd,
		"link_remove": d.linkRemove,
		"link_list":   d.linkList,

		"cmd_add":    d.cmdAdd,
		"cmd_list":   d.cmdList,
		"cmd_remove": d.cmdRemove,
		"cmd_update": d.cmdUpdate,
		"cmd_lock":   d.cmdLock,
		"cmd_unlock": d.cmdUnlock,
		"cmd_run":    d.cmdRun,

		"task_add":              d.taskAdd,
		"task_get":              d.taskGet,
		"task_list":             d.taskList,
		"task_update":           d.taskUpdate,
		"task_next":             d.taskNext,
		"task_start":            d.taskStart,
		"task_request_review":   d.taskRequestReview,
		"task_approve":          d.taskApprove,
		"task_request_changes":  d.taskRequestChanges,
		"task_merge":            d.taskMerge,
		"task_resolve_conflict": d.taskResolveConflict,
		"task_build":            d.taskBuild,
		"task_deploy":           d.taskDeploy,
		"task_complete":         d.taskComplete,
		"task_cancel":           d.taskCancel,
		"task_block":            d.taskBlock,
		"task_unblock":          d.taskUnblock,

		"task_dep_add":    d.taskDepAdd,
		"task_dep_remove": d.taskDepRemove,
		"task_dep_list":   d.taskDepList,

		"memory_add":    d.memoryAdd,
		"memory_list":   d.memoryList,
		"memory_remove": d.memoryRemove,
	}
	return d
}

// Actions returns the sorted-by-nothing set of known action names.
func (d *Dispatcher) Actions() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch validates the action name and invokes its handler.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (any, error) {
	if req.Action == "" {
		return nil, errors.Required("action")
	}
	h, ok := d.handlers[req.Action]
	if !ok {
		return nil, errors.UnknownAction(req.Action)
	}
	return h(ctx, parseParams(req.Params))
}

// --- projects ---

func (d *Dispatcher) projectCreate(ctx context.Context, p params) (any, error) {
	return d.engine.CreateProject(ctx, engine.CreateProjectParams{
		ID:              p.str("id"),
		Name:            p.str("name"),
		Description:     p.str("description"),
		WorkspacePath:   p.str("workspacePath"),
		RemoteURL:       p.str("remoteUrl"),
		TelegramTopicID: p.i64Ptr("telegramTopicId"),
		HasBuildStep:    p.boolPtr("hasBuildStep"),
		HasDeployStep:   p.boolPtr("hasDeployStep"),
	})
}

// projectID accepts either "projectId" or the shorter "id".
func projectID(p params) string {
	if id := p.str("projectId"); id != "" {
		return id
	}
	return p.str("id")
}

func (d *Dispatcher) projectGet(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.GetProject(ctx, id)
}

func (d *Dispatcher) projectList(ctx context.Context, p params) (any, error) {
	return d.engine.ListProjects(ctx)
}

func (d *Dispatcher) projectUpdate(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.UpdateProject(ctx, id, engine.UpdateProjectParams{
		Name:            p.strPtr("name"),
		Description:     p.strPtr("description"),
		WorkspacePath:   p.strPtr("workspacePath"),
		RemoteURL:       p.strPtr("remoteUrl"),
		TelegramTopicID: p.i64Ptr("telegramTopicId"),
		HasBuildStep:    p.boolPtr("hasBuildStep"),
		HasDeployStep:   p.boolPtr("hasDeployStep"),
		State:           p.strPtr("state"),
	})
}

func (d *Dispatcher) projectDelete(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	if err := d.engine.DeleteProject(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "projectId": id}, nil
}

// --- links ---

func (d *Dispatcher) linkAdd(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.AddLink(ctx, id, p.str("label"), p.str("url"), p.str("category"))
}

func (d *Dispatcher) linkRemove(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	if err := d.engine.RemoveLink(ctx, id, p.str("label")); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}

func (d *Dispatcher) linkList(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.ListLinks(ctx, id)
}

// --- commands ---

func (d *Dispatcher) cmdAdd(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.AddCommand(ctx, engine.AddCommandParams{
		ProjectID:    id,
		Label:        p.str("label"),
		Command:      p.str("command"),
		Category:     p.str("category"),
		RunMode:      p.str("runMode"),
		TaskRunnerID: p.str("taskRunnerId"),
		Description:  p.str("description"),
	})
}

func (d *Dispatcher) cmdList(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.ListCommands(ctx, id, p.str("category"))
}

func (d *Dispatcher) cmdRemove(ctx context.Context, p params) (any, error) {
	err := d.engine.RemoveCommand(ctx, p.i64("id"), p.str("projectId"), p.str("label"),
		p.boolean("force"), p.str("reason"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}

func (d *Dispatcher) cmdUpdate(ctx context.Context, p params) (any, error) {
	return d.engine.UpdateCommand(ctx, p.i64("id"), p.str("projectId"), p.str("label"),
		engine.UpdateCommandParams{
			Command:      p.strPtr("command"),
			Category:     p.strPtr("category"),
			RunMode:      p.strPtr("runMode"),
			TaskRunnerID: p.strPtr("taskRunnerId"),
			Description:  p.strPtr("description"),
			Force:        p.boolean("force"),
			Reason:       p.str("reason"),
		})
}

func (d *Dispatcher) cmdLock(ctx context.Context, p params) (any, error) {
	return d.engine.LockCommand(ctx, p.i64("id"), p.str("projectId"), p.str("label"),
		p.str("lockedBy"))
}

func (d *Dispatcher) cmdUnlock(ctx context.Context, p params) (any, error) {
	return d.engine.UnlockCommand(ctx, p.i64("id"), p.str("projectId"), p.str("label"))
}

func (d *Dispatcher) cmdRun(ctx context.Context, p params) (any, error) {
	return d.engine.RunCommand(ctx, engine.RunCommandParams{
		ID:        p.i64("id"),
		ProjectID: p.str("projectId"),
		Label:     p.str("label"),
		TaskID:    p.i64("taskId"),
		TimeoutMs: p.i64("timeoutMs"),
	})
}

// --- tasks ---

func (d *Dispatcher) taskAdd(ctx context.Context, p params) (any, error) {
	return d.engine.CreateTask(ctx, engine.CreateTaskParams{
		ProjectID:           p.str("projectId"),
		Title:               p.str("title"),
		Description:         p.str("description"),
		TaskType:            p.str("taskType"),
		Priority:            p.intPtr("priority"),
		Phase:               p.str("phase"),
		AssignedModel:       p.str("assignedModel"),
		RequiresBranching:   p.boolPtr("requiresBranching"),
		RequiresHumanReview: p.boolPtr("requiresHumanReview"),
		Actor:               p.str("actor"),
	})
}

// taskID requires a non-zero task id.
func taskID(p params) (int64, error) {
	id := p.i64("taskId")
	if id == 0 {
		id = p.i64("id")
	}
	if id == 0 {
		return 0, errors.Required("taskId")
	}
	return id, nil
}

func (d *Dispatcher) taskGet(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.GetTask(ctx, id)
}

func (d *Dispatcher) taskList(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.ListTasks(ctx, id, p.str("status"))
}

func (d *Dispatcher) taskUpdate(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.UpdateTask(ctx, id, engine.UpdateTaskParams{
		Title:          p.strPtr("title"),
		Description:    p.strPtr("description"),
		Priority:       p.intPtr("priority"),
		Phase:          p.strPtr("phase"),
		AssignedModel:  p.strPtr("assignedModel"),
		DevServerURL:   p.strPtr("devServerUrl"),
		ReviewNotes:    p.strPtr("reviewNotes"),
		ReviewFeedback: p.strPtr("reviewFeedback"),
	})
}

func (d *Dispatcher) taskNext(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	task, err := d.engine.NextTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return map[string]any{"task": nil}, nil
	}
	return map[string]any{"task": task}, nil
}

func (d *Dispatcher) taskStart(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.StartTask(ctx, id, p.str("actor"))
}

func (d *Dispatcher) taskRequestReview(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.RequestReview(ctx, id, p.str("actor"), p.str("notes"))
}

func (d *Dispatcher) taskApprove(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.ApproveTask(ctx, id, p.str("actor"), p.str("reason"))
}

func (d *Dispatcher) taskRequestChanges(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.RequestChanges(ctx, id, p.str("actor"), p.str("feedback"))
}

func (d *Dispatcher) taskMerge(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.MergeTask(ctx, id, p.str("actor"))
}

func (d *Dispatcher) taskResolveConflict(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.ResolveConflict(ctx, id, p.str("actor"))
}

func (d *Dispatcher) taskBuild(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.BuildTask(ctx, id, p.str("actor"))
}

func (d *Dispatcher) taskDeploy(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.DeployTask(ctx, id, p.str("actor"))
}

func (d *Dispatcher) taskComplete(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.CompleteTask(ctx, id, p.str("actor"), p.str("reason"))
}

func (d *Dispatcher) taskCancel(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.CancelTask(ctx, id, p.str("actor"), p.str("reason"))
}

func (d *Dispatcher) taskBlock(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.BlockTask(ctx, id, p.str("actor"), p.str("reason"))
}

func (d *Dispatcher) taskUnblock(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.UnblockTask(ctx, id, p.str("actor"))
}

// --- dependencies ---

func (d *Dispatcher) taskDepAdd(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	dependsOn := p.i64("dependsOnId")
	if dependsOn == 0 {
		return nil, errors.Required("dependsOnId")
	}
	if err := d.engine.AddDependency(ctx, id, dependsOn); err != nil {
		return nil, err
	}
	return map[string]any{"added": true}, nil
}

func (d *Dispatcher) taskDepRemove(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	dependsOn := p.i64("dependsOnId")
	if dependsOn == 0 {
		return nil, errors.Required("dependsOnId")
	}
	if err := d.engine.RemoveDependency(ctx, id, dependsOn); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}

func (d *Dispatcher) taskDepList(ctx context.Context, p params) (any, error) {
	id, err := taskID(p)
	if err != nil {
		return nil, err
	}
	return d.engine.ListDependencies(ctx, id)
}

// --- memory ---

func (d *Dispatcher) memoryAdd(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	return d.engine.AddMemory(ctx, id, p.str("category"), p.str("content"))
}

func (d *Dispatcher) memoryList(ctx context.Context, p params) (any, error) {
	id := projectID(p)
	if id == "" {
		return nil, errors.Required("projectId")
	}
	limit := int(p.i64("limit"))
	return d.engine.ListMemory(ctx, id, p.str("category"), limit)
}

func (d *Dispatcher) memoryRemove(ctx context.Context, p params) (any, error) {
	id := p.i64("id")
	if id == 0 {
		return nil, errors.Required("id")
	}
	if err := d.engine.RemoveMemory(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}
