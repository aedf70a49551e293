// Package split partitions a project boundary into task polygons and assigns
// features to the task containing their centroid.
//
// Grids and bisections are computed in Web Mercator so that dimensions are in
// metres; results are returned in WGS84.
package split

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"fmtmgo/pkg/geo"
)

// MaxTasks bounds the number of grid cells a single split may produce.
const MaxTasks = 100000

// TaskIndexProperty is set on every task polygon feature (1-based).
const TaskIndexProperty = "task_index"

// BySquare covers the boundary with a grid of squares of the given side in
// metres and returns each non-empty cell clipped to the boundary. Tasks are
// ordered in rows from south to north, west to east within a row.
func BySquare(boundary orb.Polygon, dimension float64) (*geojson.FeatureCollection, error) {
	if dimension <= 0 || math.IsNaN(dimension) || math.IsInf(dimension, 0) {
		return nil, ErrInvalidDimension
	}
	merc, err := toMercator(boundary)
	if err != nil {
		return nil, err
	}

	b := merc.Bound()
	cols := int(math.Ceil((b.Max[0] - b.Min[0]) / dimension))
	rows := int(math.Ceil((b.Max[1] - b.Min[1]) / dimension))
	cols, rows = max(cols, 1), max(rows, 1)
	if cols*rows > MaxTasks {
		return nil, fmt.Errorf("%w: %d cells of %.0fm", ErrTooManyTasks, cols*rows, dimension)
	}

	var cells []orb.Bound
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			minX := b.Min[0] + float64(c)*dimension
			minY := b.Min[1] + float64(r)*dimension
			cells = append(cells, orb.Bound{
				Min: orb.Point{minX, minY},
				Max: orb.Point{math.Min(minX+dimension, b.Max[0]), math.Min(minY+dimension, b.Max[1])},
			})
		}
	}

	tasks, err := clipCells(cells, merc)
	if err != nil {
		return nil, err
	}
	return TasksToFeatureCollection(tasks), nil
}

// TasksToFeatureCollection wraps task polygons as features with a 1-based
// task_index property.
func TasksToFeatureCollection(tasks []orb.Polygon) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, t := range tasks {
		f := geojson.NewFeature(t)
		f.Properties[TaskIndexProperty] = i + 1
		fc.Append(f)
	}
	return fc
}

func toMercator(boundary orb.Polygon) (orb.Polygon, error) {
	if len(boundary) == 0 || len(boundary[0]) < 4 {
		return nil, ErrEmptyBoundary
	}
	merc := project.Polygon(boundary.Clone(), project.WGS84.ToMercator)
	if planar.Area(merc) == 0 {
		return nil, ErrEmptyBoundary
	}
	return merc, nil
}

// clipCells intersects each Mercator cell with the boundary and returns the
// non-empty pieces in WGS84, keeping cell order.
func clipCells(cells []orb.Bound, merc orb.Polygon) ([]orb.Polygon, error) {
	rect := isRectangle(merc)
	bound := merc.Bound()

	var tasks []orb.Polygon
	for _, cell := range cells {
		if !cell.Intersects(bound) {
			continue
		}
		clipped := clip.Polygon(cell, merc.Clone())
		if clipped == nil || planar.Area(clipped) == 0 {
			continue
		}
		if rect {
			tasks = appendWGS84(tasks, []orb.Polygon{clipped})
			continue
		}

		pieces, err := geo.Intersection(cell.ToPolygon(), merc)
		if err != nil {
			return nil, fmt.Errorf("failed to clip task to boundary: %w", err)
		}
		tasks = appendWGS84(tasks, pieces)
	}
	return tasks, nil
}

func appendWGS84(tasks []orb.Polygon, pieces []orb.Polygon) []orb.Polygon {
	for _, p := range pieces {
		if planar.Area(p) == 0 {
			continue
		}
		tasks = append(tasks, project.Polygon(p.Clone(), project.Mercator.ToWGS84))
	}
	return tasks
}

// isRectangle reports whether p is a single axis-aligned rectangle without
// holes, which the bound clip handles exactly.
func isRectangle(p orb.Polygon) bool {
	if len(p) != 1 {
		return false
	}
	r := p[0]
	if len(r) == 5 && r[0] == r[4] {
		r = r[:4]
	}
	if len(r) != 4 {
		return false
	}
	b := r.Bound()
	seen := map[orb.Point]bool{}
	for _, pt := range r {
		if (pt[0] != b.Min[0] && pt[0] != b.Max[0]) || (pt[1] != b.Min[1] && pt[1] != b.Max[1]) {
			return false
		}
		seen[pt] = true
	}
	return len(seen) == 4
}

// sortBounds orders bounds south to north, then west to east.
func sortBounds(bs []orb.Bound) {
	sort.SliceStable(bs, func(i, j int) bool {
		if bs[i].Min[1] != bs[j].Min[1] {
			return bs[i].Min[1] < bs[j].Min[1]
		}
		return bs[i].Min[0] < bs[j].Min[0]
	})
}
