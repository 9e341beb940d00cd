// Package registry stores registered kernel projects in a local sqlite
// database, keyed by project name.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kernelops/kdsync/pkg/models"
)

// DB represents a registry database connection
type DB struct {
	*sql.DB
}

// Open creates or opens the registry database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("registry: mkdir %s: %w", dir, err)
		}
	}
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			name TEXT PRIMARY KEY,
			owner TEXT,
			kernel_slug TEXT,
			description TEXT,
			folder_id TEXT,
			created_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_projects_slug ON projects(kernel_slug);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`)
	return err
}

// CreateProject registers a new project.
func (db *DB) CreateProject(p *models.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO projects (name, owner, kernel_slug, description, folder_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.Name, p.Owner, p.KernelSlug, p.Description, p.FolderID, p.CreatedAt)
	return err
}

// GetProject retrieves a project by name.
func (db *DB) GetProject(name string) (*models.Project, error) {
	var p models.Project
	err := db.QueryRow(`
		SELECT name, owner, kernel_slug, description, folder_id, created_at
		FROM projects WHERE name = ?
	`, name).Scan(&p.Name, &p.Owner, &p.KernelSlug, &p.Description, &p.FolderID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("project not found: %v", err)
	}
	return &p, nil
}

// FindBySlug returns the project owning a kernel slug, or nil when no
// project claims it.
func (db *DB) FindBySlug(slug string) (*models.Project, error) {
	var p models.Project
	err := db.QueryRow(`
		SELECT name, owner, kernel_slug, description, folder_id, created_at
		FROM projects WHERE kernel_slug = ?
	`, slug).Scan(&p.Name, &p.Owner, &p.KernelSlug, &p.Description, &p.FolderID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all registered projects ordered by creation time.
func (db *DB) ListProjects() ([]models.Project, error) {
	rows, err := db.Query(`
		SELECT name, owner, kernel_slug, description, folder_id, created_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.Name, &p.Owner, &p.KernelSlug, &p.Description, &p.FolderID, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateFolderID records the resolved remote folder for a project.
func (db *DB) UpdateFolderID(name, folderID string) error {
	_, err := db.Exec(`
		UPDATE projects SET folder_id = ? WHERE name = ?
	`, folderID, name)
	return err
}

// CountProjects returns the number of registered projects.
func (db *DB) CountProjects() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&n)
	return n, err
}
