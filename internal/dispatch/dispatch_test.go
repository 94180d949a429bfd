package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbarlow/wrangler/internal/db"
	"github.com/mbarlow/wrangler/internal/engine"
	"github.com/mbarlow/wrangler/internal/errors"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(engine.New(store, nil, nil, logger))
}

func dispatchJSON(t *testing.T, d *Dispatcher, action, params string) (any, error) {
	t.Helper()
	req := Request{Action: action}
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return d.Dispatch(context.Background(), req)
}

func TestUnknownAction(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := dispatchJSON(t, d, "project_nuke", "{}")
	require.EqualError(t, err, "Unknown action: project_nuke")

	structured := errors.AsError(err)
	require.NotNil(t, structured)
	assert.Equal(t, errors.CodeUnknownAction, structured.Code)
}

func TestActionTableComplete(t *testing.T) {
	d := newTestDispatcher(t)
	assert.Len(t, d.Actions(), 38)
}

func TestRequiredFieldTexts(t *testing.T) {
	d := newTestDispatcher(t)

	cases := []struct {
		action string
		params string
		want   string
	}{
		{"project_get", "{}", "projectId required"},
		{"project_create", `{"name":"x"}`, "id required"},
		{"project_create", `{"id":"x"}`, "name required"},
		{"task_add", `{"title":"x"}`, "projectId required"},
		{"task_start", "{}", "taskId required"},
		{"task_dep_add", `{"taskId":1}`, "dependsOnId required"},
		{"link_add", `{"projectId":"p"}`, "label and url required"},
		{"memory_remove", "{}", "id required"},
		{"", "{}", "action required"},
	}
	for _, tc := range cases {
		_, err := dispatchJSON(t, d, tc.action, tc.params)
		require.EqualError(t, err, tc.want, "%s %s", tc.action, tc.params)
	}
}

func TestProjectRoundTripThroughDispatcher(t *testing.T) {
	d := newTestDispatcher(t)

	created, err := dispatchJSON(t, d, "project_create",
		`{"id":"p1","name":"P1","hasDeployStep":false}`)
	require.NoError(t, err)
	project, ok := created.(*engine.Project)
	require.True(t, ok)
	assert.True(t, project.HasBuildStep)
	assert.False(t, project.HasDeployStep)

	listed, err := dispatchJSON(t, d, "project_list", "")
	require.NoError(t, err)
	projects, ok := listed.([]*engine.Project)
	require.True(t, ok)
	require.Len(t, projects, 1)

	got, err := dispatchJSON(t, d, "project_get", `{"projectId":"p1"}`)
	require.NoError(t, err)
	bundle, ok := got.(*engine.ProjectContext)
	require.True(t, ok)
	assert.Equal(t, "p1", bundle.Project.ID)

	_, err = dispatchJSON(t, d, "project_delete", `{"projectId":"p1"}`)
	require.NoError(t, err)

	_, err = dispatchJSON(t, d, "project_get", `{"projectId":"p1"}`)
	require.EqualError(t, err, "Project not found: p1")
}

func TestNumericCoercion(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := dispatchJSON(t, d, "project_create", `{"id":"p1","name":"P1"}`)
	require.NoError(t, err)

	created, err := dispatchJSON(t, d, "task_add",
		`{"projectId":"p1","title":"t","priority":"7","taskType":"hotfix"}`)
	require.NoError(t, err)
	task := created.(*engine.Task)
	assert.Equal(t, 7, task.Priority, "string priority coerces")

	// Task id arriving as a string still routes.
	got, err := dispatchJSON(t, d, "task_get",
		`{"taskId":"`+jsonNum(task.ID)+`"}`)
	require.NoError(t, err)
	detail := got.(*engine.TaskDetail)
	assert.Equal(t, task.ID, detail.Task.ID)
}

func jsonNum(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestTaskLifecycleThroughDispatcher(t *testing.T) {
	d := newTestDispatcher(t)

	_, err := dispatchJSON(t, d, "project_create",
		`{"id":"p1","name":"P1","hasBuildStep":false,"hasDeployStep":false}`)
	require.NoError(t, err)

	created, err := dispatchJSON(t, d, "task_add",
		`{"projectId":"p1","title":"t","taskType":"hotfix","actor":"agent"}`)
	require.NoError(t, err)
	task := created.(*engine.Task)

	started, err := dispatchJSON(t, d, "task_start", `{"taskId":`+jsonNum(task.ID)+`}`)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusImplementing, started.(*engine.Task).Status)

	reviewed, err := dispatchJSON(t, d, "task_request_review", `{"taskId":`+jsonNum(task.ID)+`}`)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusApproved, reviewed.(*engine.Task).Status)

	merged, err := dispatchJSON(t, d, "task_merge", `{"taskId":`+jsonNum(task.ID)+`}`)
	require.NoError(t, err)
	outcome := merged.(*engine.MergeOutcome)
	assert.Equal(t, engine.StatusDone, outcome.Task.Status)
}

func TestParamsCoercion(t *testing.T) {
	p := parseParams([]byte(`{"a":"x","n":5,"ns":"12","b":true,"bs":"true","missing_null":null}`))

	assert.Equal(t, "x", p.str("a"))
	assert.Equal(t, "5", p.str("n"), "numbers stringify")
	assert.Equal(t, int64(5), p.i64("n"))
	assert.Equal(t, int64(12), p.i64("ns"), "numeric strings coerce")
	assert.True(t, p.boolean("b"))
	assert.True(t, p.boolean("bs"))
	assert.Equal(t, "", p.str("missing_null"))
	assert.Nil(t, p.strPtr("absent"))
	require.NotNil(t, p.strPtr("a"))
	assert.True(t, p.has("a"))
	assert.False(t, p.has("absent"))
}
