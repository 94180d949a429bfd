package engine

import (
	"context"
	"strings"

	"github.com/mbarlow/wrangler/internal/errors"
)

// AddLink attaches a labelled URL to a project. The (project, label)
// pair is unique; re-adding a label replaces the URL and category.
func (e *Engine) AddLink(ctx context.Context, projectID, label, url, category string) (*Link, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(label) == "" || strings.TrimSpace(url) == "" {
		return nil, errors.RequiredBoth("label", "url")
	}
	if _, err := e.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}
	if category == "" {
		category = "other"
	}

	_, err := e.db.Exec(ctx,
		"DELETE FROM project_links WHERE project_id = ? AND label = ?", projectID, label)
	if err != nil {
		return nil, errors.Wrap(err, "replace link")
	}

	id, err := e.db.InsertReturningID(ctx,
		`INSERT INTO project_links (project_id, label, url, category) VALUES (?, ?, ?, ?)`,
		projectID, label, url, category)
	if err != nil {
		return nil, errors.Wrap(err, "add link")
	}

	row := e.db.QueryRow(ctx,
		"SELECT id, project_id, label, url, category, created_at FROM project_links WHERE id = ?", id)
	link, err := scanLink(row)
	if err != nil {
		return nil, errors.Wrap(err, "load link")
	}
	return link, nil
}

// RemoveLink deletes a link by label.
func (e *Engine) RemoveLink(ctx context.Context, projectID, label string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(label) == "" {
		return errors.Required("label")
	}
	_, err := e.db.Exec(ctx,
		"DELETE FROM project_links WHERE project_id = ? AND label = ?", projectID, label)
	if err != nil {
		return errors.Wrap(err, "remove link")
	}
	return nil
}

// ListLinks returns a project's links ordered by label.
func (e *Engine) ListLinks(ctx context.Context, projectID string) ([]*Link, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rows, err := e.db.Query(ctx,
		`SELECT id, project_id, label, url, category, created_at
		 FROM project_links WHERE project_id = ? ORDER BY label`, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "list links")
	}
	defer func() { _ = rows.Close() }()

	out := []*Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan link")
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
