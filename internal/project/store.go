// Package project persists generated applications as named collections of
// versioned files. Version history is append-only: a new write to an
// existing path inserts version+1 instead of overwriting.
//
// Storage: a single SQLite database. The UNIQUE(project_id, path, version)
// constraint is the transactional boundary that serializes concurrent
// version appends; an in-process write mutex keeps SQLITE_BUSY churn down.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"appforge/internal/fault"
	"appforge/internal/parse"
)

// FileArtifact is one versioned file inside a project.
type FileArtifact struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a named, owned collection of file artifacts.
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"owner_id"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []FileArtifact `json:"files,omitempty"`
}

// Store is the SQLite-backed project store.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	logger  *zap.Logger
}

// Open creates or opens the store at dbPath.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("project store ready", zap.String("path", dbPath))
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		content TEXT NOT NULL,
		version INTEGER NOT NULL CHECK (version >= 1),
		created_at DATETIME NOT NULL,
		UNIQUE(project_id, path, version)
	);

	CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
	CREATE INDEX IF NOT EXISTS idx_projects_owner ON projects(owner_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a project and its initial file set in one transaction:
// either the project and all files exist afterwards, or none do. Readers
// can never observe a project with a partial file set.
func (s *Store) Create(ctx context.Context, name, ownerID string, files []parse.File) (*Project, error) {
	const op = "project.Create"
	if name == "" {
		return nil, fault.Newf(fault.KindValidation, op, "project name required")
	}
	if ownerID == "" {
		return nil, fault.Newf(fault.KindValidation, op, "owner id required")
	}
	if len(files) == 0 {
		return nil, fault.Newf(fault.KindValidation, op, "a project needs at least one file")
	}
	for _, f := range files {
		if err := parse.CheckPath(f.Path); err != nil {
			return nil, err
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	defer tx.Rollback()

	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.OwnerID, p.CreatedAt,
	); err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}

	for _, f := range files {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO files (project_id, path, content, version, created_at) VALUES (?, ?, ?, 1, ?)`,
			p.ID, f.Path, f.Content, p.CreatedAt,
		)
		if err != nil {
			if isConstraintErr(err) {
				return nil, fault.Newf(fault.KindValidation, op, "duplicate path in initial file set: %s", f.Path)
			}
			return nil, fault.New(fault.KindPersistence, op, err)
		}
		id, _ := res.LastInsertId()
		p.Files = append(p.Files, FileArtifact{
			ID:        id,
			ProjectID: p.ID,
			Path:      f.Path,
			Content:   f.Content,
			Version:   1,
			CreatedAt: p.CreatedAt,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	return p, nil
}

// AddFileVersion appends the next version for path under projectID,
// starting at 1 for a new path. Two concurrent appends can never both
// claim the same version: the loser of the UNIQUE race gets a conflict
// and is retried once here against the refreshed max version.
func (s *Store) AddFileVersion(ctx context.Context, projectID, path, content string) (*FileArtifact, error) {
	const op = "project.AddFileVersion"
	if err := parse.CheckPath(path); err != nil {
		return nil, err
	}

	artifact, err := s.appendVersion(ctx, projectID, path, content)
	if fault.Is(err, fault.KindConflict) {
		s.logger.Debug("version append lost race, retrying",
			zap.String("project", projectID), zap.String("path", path))
		artifact, err = s.appendVersion(ctx, projectID, path, content)
	}
	return artifact, err
}

func (s *Store) appendVersion(ctx context.Context, projectID, path, content string) (*FileArtifact, error) {
	const op = "project.AddFileVersion"

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM projects WHERE id = ?`, projectID,
	).Scan(&exists); err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	if exists == 0 {
		return nil, fault.Newf(fault.KindValidation, op, "unknown project: %s", projectID)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM files WHERE project_id = ? AND path = ?`,
		projectID, path,
	).Scan(&maxVersion); err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}

	now := time.Now().UTC()
	version := maxVersion + 1
	res, err := tx.ExecContext(ctx,
		`INSERT INTO files (project_id, path, content, version, created_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, path, content, version, now,
	)
	if err != nil {
		if isConstraintErr(err) {
			return nil, fault.Newf(fault.KindConflict, op, "version %d for %s already taken", version, path)
		}
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}

	id, _ := res.LastInsertId()
	return &FileArtifact{
		ID:        id,
		ProjectID: projectID,
		Path:      path,
		Content:   content,
		Version:   version,
		CreatedAt: now,
	}, nil
}

// ListFiles returns the latest version of every path in the project, in
// first-created order.
func (s *Store) ListFiles(ctx context.Context, projectID string) ([]FileArtifact, error) {
	const op = "project.ListFiles"

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.project_id, f.path, f.content, f.version, f.created_at
		FROM files f
		JOIN (
			SELECT path, MAX(version) AS max_version, MIN(id) AS first_id
			FROM files WHERE project_id = ? GROUP BY path
		) latest ON f.path = latest.path AND f.version = latest.max_version
		WHERE f.project_id = ?
		ORDER BY latest.first_id`,
		projectID, projectID,
	)
	if err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	defer rows.Close()

	var files []FileArtifact
	for rows.Next() {
		var f FileArtifact
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Content, &f.Version, &f.CreatedAt); err != nil {
			return nil, fault.New(fault.KindPersistence, op, err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	return files, nil
}

// Get returns the project with its latest files.
func (s *Store) Get(ctx context.Context, projectID string) (*Project, error) {
	const op = "project.Get"

	p := &Project{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM projects WHERE id = ?`, projectID,
	).Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.KindValidation, op, "unknown project: %s", projectID)
	}
	if err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}

	files, err := s.ListFiles(ctx, projectID)
	if err != nil {
		return nil, err
	}
	p.Files = files
	return p, nil
}

// ListProjects returns the owner's projects, newest first, without files.
func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]Project, error) {
	const op = "project.ListProjects"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, created_at FROM projects WHERE owner_id = ? ORDER BY created_at DESC, id`,
		ownerID,
	)
	if err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, fault.New(fault.KindPersistence, op, err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.New(fault.KindPersistence, op, err)
	}
	return projects, nil
}

// CountProjects reports how many projects exist in total. Used by tests
// asserting that failed creations leave nothing behind.
func (s *Store) CountProjects(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects`).Scan(&n); err != nil {
		return 0, fault.New(fault.KindPersistence, "project.CountProjects", err)
	}
	return n, nil
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
