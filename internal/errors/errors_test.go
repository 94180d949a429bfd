package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestMessageTemplates(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ProjectNotFound("p1"), "Project not found: p1"},
		{TaskNotFound(42), "Task not found: 42"},
		{CommandNotFound(7), "Command not found: 7"},
		{Required("title"), "title required"},
		{RequiredBoth("workspace_path", "git_branch"), "workspace_path and git_branch required"},
		{TransitionFailed(3, "requirements", "implementing"), "Task status transition failed for 3: requirements -> implementing"},
		{ProjectTransitionInvalid("planning", "archived"), "Invalid project state transition: planning -> archived"},
		{CommandLocked(9), "Command 9 is locked"},
		{ForceReasonRequired(), "force reason required when mutating locked command"},
		{MergeFailed("boom"), "Merge failed: boom"},
		{UnknownAction("frobnicate"), "Unknown action: frobnicate"},
	}
	for _, tc := range cases {
		if tc.err.Error() != tc.want {
			t.Errorf("got %q, want %q", tc.err.Error(), tc.want)
		}
	}
}

func TestCategoryMapping(t *testing.T) {
	if got := ProjectNotFound("x").HTTPStatus(); got != 404 {
		t.Errorf("not found status = %d, want 404", got)
	}
	if got := Required("id").HTTPStatus(); got != 400 {
		t.Errorf("invalid argument status = %d, want 400", got)
	}
	if got := TransitionFailed(1, "a", "b").HTTPStatus(); got != 409 {
		t.Errorf("transition status = %d, want 409", got)
	}
	if got := MergeFailed("x").HTTPStatus(); got != 500 {
		t.Errorf("external status = %d, want 500", got)
	}
}

func TestUnwrapAndAs(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := Wrap(cause, "state write failed")
	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}

	wrapped := fmt.Errorf("dispatch: %w", err)
	got := AsError(wrapped)
	if got == nil || got.Code != CodeExternal {
		t.Fatalf("AsError = %v, want external error", got)
	}
	if AsError(stderrors.New("plain")) != nil {
		t.Error("AsError matched a plain error")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	if !stderrors.Is(TaskNotFound(1), ProjectNotFound("p")) {
		t.Error("errors with same code should match via Is")
	}
	if stderrors.Is(TaskNotFound(1), CommandLocked(1)) {
		t.Error("errors with different codes should not match")
	}
}
