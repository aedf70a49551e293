package split

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Result is a feature-count split: the task polygons and the features
// assigned to each, keyed by 1-based task index.
type Result struct {
	Tasks    []orb.Polygon
	Features map[int]*geojson.FeatureCollection
}

// TaskCollection returns the task polygons as features.
func (r *Result) TaskCollection() *geojson.FeatureCollection {
	return TasksToFeatureCollection(r.Tasks)
}

// Splitter runs splits and delegates the feature join to a SpatialJoiner.
type Splitter struct {
	joiner SpatialJoiner
	logger *slog.Logger
}

// New creates a Splitter. A nil joiner uses the in-process join.
func New(joiner SpatialJoiner, logger *slog.Logger) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}
	if joiner == nil {
		joiner = NewInProcessJoiner(logger)
	}
	return &Splitter{joiner: joiner, logger: logger}
}

// BySquare splits the boundary into a square grid.
func (s *Splitter) BySquare(ctx context.Context, boundary orb.Polygon, dimension float64) (*geojson.FeatureCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	fc, err := BySquare(boundary, dimension)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Split boundary by square",
		"dimension", dimension,
		"tasks", len(fc.Features),
		"duration", time.Since(start))
	return fc, nil
}

// ByFeatureCount partitions the boundary and joins features to the tasks.
func (s *Splitter) ByFeatureCount(ctx context.Context, projectID int64, boundary orb.Polygon, features *geojson.FeatureCollection, target int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	tasks, err := Partition(boundary, features, target)
	if err != nil {
		return nil, err
	}
	assigned, err := s.joiner.Join(ctx, tasks, features, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign features to tasks: %w", err)
	}
	s.logger.Info("Split boundary by feature count",
		"project_id", projectID,
		"target", target,
		"tasks", len(tasks),
		"duration", time.Since(start))
	return &Result{Tasks: tasks, Features: assigned}, nil
}
