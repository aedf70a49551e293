package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"fmtmgo/pkg/db"
	"fmtmgo/pkg/model"
)

// Store composes all sub-interfaces. Consumers should depend on the
// narrower ones when possible.
type Store interface {
	ProjectStore
	TaskStore
	ArtifactStore

	Close() error
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db *db.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new store.
func NewSQLiteStore(db *db.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *SQLiteStore) CreateProject(ctx context.Context, p *model.Project) error {
	outline, err := encodeOutline(p.Outline)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, category, outline, odk_project_id) VALUES (?, ?, ?, ?)`,
		p.Name, p.Category, outline, p.ODKProjectID)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return s.db.QueryRowContext(ctx, "SELECT created_at FROM projects WHERE id = ?", id).Scan(&p.CreatedAt)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, outline, odk_project_id, created_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, outline, odk_project_id, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes the project and its tasks.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE project_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*model.Project, error) {
	var p model.Project
	var outline []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &outline, &p.ODKProjectID, &p.CreatedAt); err != nil {
		return nil, err
	}
	poly, err := decodeOutline(outline)
	if err != nil {
		return nil, err
	}
	p.Outline = poly
	return &p, nil
}

// --- Tasks ---

func (s *SQLiteStore) ReplaceTasks(ctx context.Context, projectID int64, tasks []*model.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE project_id = ?", projectID); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO tasks (project_id, project_task_index, outline, feature_count, task_status) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		outline, err := encodeOutline(t.Outline)
		if err != nil {
			return err
		}
		res, err := stmt.ExecContext(ctx, projectID, t.Index, outline, t.FeatureCount, int(t.Status))
		if err != nil {
			return fmt.Errorf("failed to insert task %d: %w", t.Index, err)
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		t.ProjectID = projectID
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTasks(ctx context.Context, projectID int64) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, project_task_index, outline, feature_count, task_status
		 FROM tasks WHERE project_id = ? ORDER BY project_task_index`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var outline []byte
		var status int
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Index, &outline, &t.FeatureCount, &status); err != nil {
			return nil, err
		}
		if t.Outline, err = decodeOutline(outline); err != nil {
			return nil, err
		}
		t.Status = model.TaskStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID int64, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET task_status = ? WHERE id = ?", int(status), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	return nil
}

func encodeOutline(p orb.Polygon) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := wkb.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode outline: %w", err)
	}
	return b, nil
}

func decodeOutline(b []byte) (orb.Polygon, error) {
	if len(b) == 0 {
		return nil, nil
	}
	g, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode outline: %w", err)
	}
	poly, ok := g.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("outline is %s, not Polygon", g.GeoJSONType())
	}
	return poly, nil
}

// --- Artifacts ---

// GetArtifact returns the stored bytes, transparently gunzipped.
func (s *SQLiteStore) GetArtifact(ctx context.Context, key string) ([]byte, bool) {
	var val []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM artifacts WHERE key = ?", key).Scan(&val)
	if err != nil {
		return nil, false
	}

	if len(val) > 2 && val[0] == 0x1f && val[1] == 0x8b {
		if decompressed, err := decompress(val); err == nil {
			return decompressed, true
		}
	}
	return val, true
}

// SetArtifact stores val gzipped, replacing any previous value.
func (s *SQLiteStore) SetArtifact(ctx context.Context, key string, val []byte) error {
	if compressed, err := compress(val); err == nil {
		val = compressed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = CURRENT_TIMESTAMP`, key, val)
	return err
}

func (s *SQLiteStore) ListArtifactKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM artifacts WHERE key LIKE ? ORDER BY key", prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteArtifacts removes every artifact whose key starts with prefix.
func (s *SQLiteStore) DeleteArtifacts(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM artifacts WHERE key LIKE ?", prefix+"%")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var (
	gzipWriterPool = sync.Pool{
		New: func() interface{} {
			return gzip.NewWriter(io.Discard)
		},
	}
	bufferPool = sync.Pool{
		New: func() interface{} {
			return new(bytes.Buffer)
		},
	}
)

func compress(data []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	w := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(w)
	w.Reset(buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	// buf goes back to the pool
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
