// Package cache mirrors saved components into a local SQLite database so the
// components command works offline and a cached harness can be re-run
// without the platform.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"apistudio/internal/domain"
)

// ComponentCache stores one row per (apiID, componentID).
type ComponentCache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database at dbPath and migrates the
// schema.
func Open(dbPath string) (*ComponentCache, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open component cache: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate component cache: %w", err)
	}
	return &ComponentCache{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS components (
			component_id  TEXT PRIMARY KEY,
			api_id        TEXT NOT NULL,
			code          TEXT NOT NULL,
			code_snapshot TEXT NOT NULL DEFAULT '',
			active        INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_components_api ON components(api_id);
	`)
	return err
}

// Close closes the underlying database.
func (c *ComponentCache) Close() error {
	return c.db.Close()
}

// Put upserts a component. When comp is active, any previously active row
// for the same API is deactivated first (mirrors the platform's
// single-active-version rule).
func (c *ComponentCache) Put(ctx context.Context, comp *domain.SavedComponent) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if comp.Active {
		if _, err := tx.ExecContext(ctx,
			"UPDATE components SET active = 0 WHERE api_id = ?", comp.APIID,
		); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	created := comp.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO components (component_id, api_id, code, code_snapshot, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(component_id) DO UPDATE SET
			code = excluded.code,
			code_snapshot = excluded.code_snapshot,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		comp.ComponentID, comp.APIID, comp.Code, comp.CodeSnapshot,
		boolToInt(comp.Active),
		created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Active returns the active cached component for apiID, or
// ErrComponentNotFound.
func (c *ComponentCache) Active(ctx context.Context, apiID string) (*domain.SavedComponent, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT component_id, api_id, code, code_snapshot, active, created_at, updated_at
		FROM components WHERE api_id = ? AND active = 1`, apiID)
	return scanComponent(row)
}

// Get returns a cached component by its storage identifier.
func (c *ComponentCache) Get(ctx context.Context, componentID string) (*domain.SavedComponent, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT component_id, api_id, code, code_snapshot, active, created_at, updated_at
		FROM components WHERE component_id = ?`, componentID)
	return scanComponent(row)
}

// List returns all cached components for apiID, newest first.
func (c *ComponentCache) List(ctx context.Context, apiID string) ([]*domain.SavedComponent, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT component_id, api_id, code, code_snapshot, active, created_at, updated_at
		FROM components WHERE api_id = ? ORDER BY created_at DESC`, apiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comps []*domain.SavedComponent
	for rows.Next() {
		comp, err := scanComponentRows(rows)
		if err != nil {
			return nil, err
		}
		comps = append(comps, comp)
	}
	return comps, rows.Err()
}

// Delete removes a cached component.
func (c *ComponentCache) Delete(ctx context.Context, componentID string) error {
	res, err := c.db.ExecContext(ctx, "DELETE FROM components WHERE component_id = ?", componentID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrComponentNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanComponent(row *sql.Row) (*domain.SavedComponent, error) {
	var comp domain.SavedComponent
	var active int
	var createdStr, updatedStr string
	if err := row.Scan(&comp.ComponentID, &comp.APIID, &comp.Code, &comp.CodeSnapshot, &active, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrComponentNotFound
		}
		return nil, err
	}
	comp.Active = active != 0
	comp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	comp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &comp, nil
}

func scanComponentRows(rows *sql.Rows) (*domain.SavedComponent, error) {
	var comp domain.SavedComponent
	var active int
	var createdStr, updatedStr string
	if err := rows.Scan(&comp.ComponentID, &comp.APIID, &comp.Code, &comp.CodeSnapshot, &active, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	comp.Active = active != 0
	comp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	comp.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &comp, nil
}
