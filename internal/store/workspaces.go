// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateWorkspace returns the workspace for cwd, creating it lazily.
// The name defaults to the last path segment.
func (s *Store) GetOrCreateWorkspace(ctx context.Context, cwd string) (*Workspace, error) {
	if ws, err := s.GetWorkspaceByCWD(ctx, cwd); err == nil {
		return ws, nil
	} else if err != ErrNotFound {
		return nil, err
	}

	now := time.Now()
	ws := &Workspace{
		ID:        uuid.New().String(),
		Name:      filepath.Base(cwd),
		CWD:       cwd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, cwd, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.CWD, ms(now), ms(now))
	if err != nil {
		// Lost a create race: the other writer's row wins.
		if existing, gerr := s.GetWorkspaceByCWD(ctx, cwd); gerr == nil {
			return existing, nil
		}
		return nil, mapErr(err)
	}
	return ws, nil
}

// GetWorkspace looks up a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, name, cwd, created_at, updated_at FROM workspaces WHERE id = ?`, id))
}

// GetWorkspaceByCWD looks up a workspace by its unique cwd.
func (s *Store) GetWorkspaceByCWD(ctx context.Context, cwd string) (*Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, name, cwd, created_at, updated_at FROM workspaces WHERE cwd = ?`, cwd))
}

// ListWorkspaces returns all workspaces ordered by name.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cwd, created_at, updated_at FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var list []Workspace
	for rows.Next() {
		var ws Workspace
		var created, updated int64
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.CWD, &created, &updated); err != nil {
			return nil, mapErr(err)
		}
		ws.CreatedAt, ws.UpdatedAt = fromMS(created), fromMS(updated)
		list = append(list, ws)
	}
	return list, rows.Err()
}

func (s *Store) scanWorkspace(row *sql.Row) (*Workspace, error) {
	var ws Workspace
	var created, updated int64
	if err := row.Scan(&ws.ID, &ws.Name, &ws.CWD, &created, &updated); err != nil {
		return nil, mapErr(err)
	}
	ws.CreatedAt, ws.UpdatedAt = fromMS(created), fromMS(updated)
	return &ws, nil
}
