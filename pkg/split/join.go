package split

import (
	"context"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/geo"
	"fmtmgo/pkg/logging"
)

// SpatialJoiner assigns features to the task polygon containing their
// centroid. The map is keyed by 1-based task index.
type SpatialJoiner interface {
	Join(ctx context.Context, tasks []orb.Polygon, features *geojson.FeatureCollection, projectID int64) (map[int]*geojson.FeatureCollection, error)
}

// JoinStats counts features that did not make it into any task.
type JoinStats struct {
	Duplicates int
	Unmatched  int
}

// Join assigns each feature to the first task, in index order, whose polygon
// contains the feature centroid. Assigned features are copies carrying
// task_id and project_id properties and the osm_id as feature id. Features
// whose geometry repeats an earlier one are dropped.
func Join(tasks []orb.Polygon, features *geojson.FeatureCollection, projectID int64) (map[int]*geojson.FeatureCollection, JoinStats) {
	out := make(map[int]*geojson.FeatureCollection, len(tasks))
	for i := range tasks {
		out[i+1] = geojson.NewFeatureCollection()
	}

	var stats JoinStats
	if features == nil {
		return out, stats
	}

	seen := map[string]bool{}
	for _, f := range features.Features {
		if f == nil || f.Geometry == nil {
			stats.Unmatched++
			continue
		}
		if key, err := wkb.Marshal(f.Geometry); err == nil {
			if seen[string(key)] {
				stats.Duplicates++
				continue
			}
			seen[string(key)] = true
		}

		idx := taskFor(tasks, f.Geometry)
		if idx == 0 {
			stats.Unmatched++
			continue
		}
		out[idx].Append(Tag(f, idx, projectID))
	}
	return out, stats
}

func taskFor(tasks []orb.Polygon, g orb.Geometry) int {
	c, ok := geo.Centroid(g)
	if !ok {
		return 0
	}
	for i, t := range tasks {
		if geo.ContainsPoint(t, c) {
			return i + 1
		}
	}
	return 0
}

// Tag returns a copy of f carrying task_id and project_id, with the osm_id
// as feature id when present.
func Tag(f *geojson.Feature, taskIdx int, projectID int64) *geojson.Feature {
	nf := geojson.NewFeature(f.Geometry)
	nf.ID = f.ID
	nf.Properties = f.Properties.Clone()
	if nf.Properties == nil {
		nf.Properties = geojson.Properties{}
	}
	nf.Properties["task_id"] = taskIdx
	nf.Properties["project_id"] = projectID
	if osmID, ok := nf.Properties["osm_id"]; ok && osmID != nil {
		nf.ID = osmID
	}
	return nf
}

// AssignFeatures runs Join and logs how many features were left out.
func AssignFeatures(ctx context.Context, logger *slog.Logger, tasks []orb.Polygon, features *geojson.FeatureCollection, projectID int64) (map[int]*geojson.FeatureCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, stats := Join(tasks, features, projectID)
	for idx, fc := range out {
		logging.Trace(logger, "Task features assigned", "project_id", projectID, "task_index", idx, "count", len(fc.Features))
	}
	if stats.Unmatched > 0 || stats.Duplicates > 0 {
		logger.Warn("features dropped from task split",
			"project_id", projectID,
			"outside_tasks", stats.Unmatched,
			"duplicates", stats.Duplicates)
	}
	return out, nil
}

// InProcessJoiner is the SpatialJoiner backed by planar containment.
type InProcessJoiner struct {
	logger *slog.Logger
}

// NewInProcessJoiner creates a joiner that logs through logger.
func NewInProcessJoiner(logger *slog.Logger) *InProcessJoiner {
	return &InProcessJoiner{logger: logger}
}

// Join implements SpatialJoiner.
func (j *InProcessJoiner) Join(ctx context.Context, tasks []orb.Polygon, features *geojson.FeatureCollection, projectID int64) (map[int]*geojson.FeatureCollection, error) {
	return AssignFeatures(ctx, j.logger, tasks, features, projectID)
}
