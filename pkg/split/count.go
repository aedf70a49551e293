package split

import (
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"

	"fmtmgo/pkg/geo"
)

// DefaultFeaturesPerTask is the target used when a caller gives none.
const DefaultFeaturesPerTask = 50

const maxDepth = 24

// Partition bisects the boundary bounding box near the median feature
// centroid, always across its longer side, until every leaf holds at most target
// centroids. Leaves are clipped to the boundary and ordered south to north,
// west to east.
func Partition(boundary orb.Polygon, features *geojson.FeatureCollection, target int) ([]orb.Polygon, error) {
	if target <= 0 {
		return nil, ErrInvalidTarget
	}
	merc, err := toMercator(boundary)
	if err != nil {
		return nil, err
	}

	// centroids outside the boundary box cannot land in a task
	area := merc.Bound()
	var pts []orb.Point
	if features != nil {
		for _, f := range features.Features {
			if f == nil {
				continue
			}
			c, ok := geo.Centroid(f.Geometry)
			if !ok {
				continue
			}
			if p := project.Point(c, project.WGS84.ToMercator); area.Contains(p) {
				pts = append(pts, p)
			}
		}
	}

	var leaves []orb.Bound
	bisect(area, pts, target, 0, &leaves)
	sortBounds(leaves)
	return clipCells(leaves, merc)
}

func bisect(b orb.Bound, pts []orb.Point, target, depth int, out *[]orb.Bound) {
	if len(pts) <= target || depth >= maxDepth {
		*out = append(*out, b)
		return
	}

	axis := 0
	if b.Max[1]-b.Min[1] > b.Max[0]-b.Min[0] {
		axis = 1
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i][axis] < pts[j][axis] })

	cut := (b.Min[axis] + b.Max[axis]) / 2
	if k := splitIndex(pts, axis); k > 0 {
		cut = (pts[k-1][axis] + pts[k][axis]) / 2
	}

	lower, upper := b, b
	lower.Max[axis] = cut
	upper.Min[axis] = cut

	i := sort.Search(len(pts), func(i int) bool { return pts[i][axis] >= cut })
	bisect(lower, pts[:i], target, depth+1, out)
	bisect(upper, pts[i:], target, depth+1, out)
}

// ByFeatureCount partitions the boundary so each task holds about target
// features and assigns the features to the resulting tasks. The returned map
// is keyed by 1-based task index and has an entry for every task. Features
// the join drops are counted in the returned JoinStats.
func ByFeatureCount(boundary orb.Polygon, features *geojson.FeatureCollection, target int) (map[int]*geojson.FeatureCollection, []orb.Polygon, JoinStats, error) {
	tasks, err := Partition(boundary, features, target)
	if err != nil {
		return nil, nil, JoinStats{}, err
	}
	assigned, stats := Join(tasks, features, 0)
	return assigned, tasks, stats, nil
}

// splitIndex returns the index closest to the median where the sorted
// coordinates change value, so no point lies on the cut. It returns 0 when
// all points share the coordinate.
func splitIndex(pts []orb.Point, axis int) int {
	n := len(pts)
	mid := n / 2
	for d := 0; d <= mid; d++ {
		for _, k := range [2]int{mid - d, mid + d} {
			if k > 0 && k < n && pts[k-1][axis] < pts[k][axis] {
				return k
			}
		}
	}
	return 0
}
