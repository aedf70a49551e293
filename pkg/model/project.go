package model

import (
	"time"

	"github.com/paulmach/orb"
)

// Project is a mapping project: one boundary, one survey category, many tasks.
type Project struct {
	ID           int64       `json:"id"`
	Name         string      `json:"name"`
	Category     string      `json:"category"` // XForm category, also the entity dataset name
	Outline      orb.Polygon `json:"-"`
	ODKProjectID int64       `json:"odk_project_id"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Task is a sub-area of a project boundary, the unit of field-work allocation.
type Task struct {
	ID           int64       `json:"id"`
	ProjectID    int64       `json:"project_id"`
	Index        int         `json:"project_task_index"` // 1-based, stable within the project
	Outline      orb.Polygon `json:"-"`
	FeatureCount int         `json:"feature_count"`
	Status       TaskStatus  `json:"task_status"`
}
