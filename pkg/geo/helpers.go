package geo

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// ContainsPoint checks if a polygonal geometry contains a point. Points on the
// boundary are inside.
func ContainsPoint(g orb.Geometry, point orb.Point) bool {
	// Fast bounding box check
	if g == nil || !g.Bound().Contains(point) {
		return false
	}

	switch t := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(t, point)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(t, point)
	case orb.Ring:
		return planar.RingContains(t, point)
	case orb.Bound:
		return true
	}
	return false
}

// Centroid returns the area-weighted centroid for polygons, the length-weighted
// centroid for lines and the mean for points.
func Centroid(g orb.Geometry) (orb.Point, bool) {
	if g == nil {
		return orb.Point{}, false
	}
	if c, ok := g.(orb.Collection); ok && len(c) == 0 {
		return orb.Point{}, false
	}
	p, _ := planar.CentroidArea(g)
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
		return orb.Point{}, false
	}
	return p, true
}

// PropertyString renders a property value as text. Whole floats lose their
// fraction ("12" not "12.0"), since JSON numbers decode as float64.
func PropertyString(props geojson.Properties, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	return ValueString(v)
}

// ValueString renders a decoded JSON value as text.
func ValueString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return string(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return ValueString(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
