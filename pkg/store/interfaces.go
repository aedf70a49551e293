package store

import (
	"context"
	"fmt"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/model"
)

// ErrNotFound is returned for a missing project or task.
var ErrNotFound = fmt.Errorf("%w: no such record", errdefs.ErrNotFound)

// ProjectStore handles project persistence.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
	DeleteProject(ctx context.Context, id int64) error
}

// TaskStore handles task outlines and statuses.
type TaskStore interface {
	// ReplaceTasks drops the project's tasks and stores the new split.
	ReplaceTasks(ctx context.Context, projectID int64, tasks []*model.Task) error
	ListTasks(ctx context.Context, projectID int64) ([]*model.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID int64, status model.TaskStatus) error
}

// ArtifactStore keeps generated files (FlatGeobuf extracts, CSV media,
// specialized forms) under string keys.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, key string) ([]byte, bool)
	SetArtifact(ctx context.Context, key string, val []byte) error
	ListArtifactKeys(ctx context.Context, prefix string) ([]string, error)
	DeleteArtifacts(ctx context.Context, prefix string) (int64, error)
}
