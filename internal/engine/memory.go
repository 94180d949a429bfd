package engine

import (
	"context"
	"strings"

	"github.com/mbarlow/wrangler/internal/errors"
)

// AddMemory appends a typed note to a project's memory.
func (e *Engine) AddMemory(ctx context.Context, projectID, category, content string) (*MemoryNote, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.Required("content")
	}
	if _, err := e.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}
	if category == "" {
		category = "learning"
	}

	id, err := e.db.InsertReturningID(ctx,
		"INSERT INTO project_memory (project_id, category, content) VALUES (?, ?, ?)",
		projectID, category, content)
	if err != nil {
		return nil, errors.Wrap(err, "add memory")
	}

	row := e.db.QueryRow(ctx,
		"SELECT id, project_id, category, content, created_at FROM project_memory WHERE id = ?", id)
	note, err := scanMemory(row)
	if err != nil {
		return nil, errors.Wrap(err, "load memory")
	}
	return note, nil
}

// ListMemory returns a project's notes, newest first, optionally
// filtered by category. limit <= 0 means no limit.
func (e *Engine) ListMemory(ctx context.Context, projectID, category string, limit int) ([]*MemoryNote, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	query := "SELECT id, project_id, category, content, created_at FROM project_memory WHERE project_id = ?"
	args := []any{projectID}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list memory")
	}
	defer func() { _ = rows.Close() }()

	out := []*MemoryNote{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan memory")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RemoveMemory deletes a note by id.
func (e *Engine) RemoveMemory(ctx context.Context, id int64) error {
	if err := e.ready(); err != nil {
		return err
	}
	res, err := e.db.Exec(ctx, "DELETE FROM project_memory WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "remove memory")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NotFoundf("Memory not found: %d", id)
	}
	return nil
}
