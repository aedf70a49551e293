package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"

	"fmtmgo/pkg/errdefs"
)

// Geometry classes used to pick the dominant type of a collection. The order
// is the tie-break order.
const (
	ClassPolygon  = "Polygon"
	ClassPoint    = "Point"
	ClassPolyline = "Polyline"
)

var geometryClasses = []string{ClassPolygon, ClassPoint, ClassPolyline}

// Normalize parses raw GeoJSON (FeatureCollection, Feature or bare Geometry)
// into a FeatureCollection. Features without a geometry are dropped and
// single-member GeometryCollections are unwrapped. With filter set, only
// features of the dominant geometry class are kept.
//
// A nil collection with a nil error means the input held no features.
func Normalize(raw []byte, filter bool) (*geojson.FeatureCollection, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid geojson json", errdefs.ErrParse)
	}

	fc, err := parseAny(raw)
	if err != nil {
		return nil, err
	}

	features := make([]*geojson.Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if c, ok := f.Geometry.(orb.Collection); ok && len(c) == 1 {
			f.Geometry = c[0]
		}
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}
		features = append(features, f)
	}
	fc.Features = features

	if filter && len(fc.Features) > 0 {
		main := MainGeometryType(fc)
		filtered := fc.Features[:0]
		for _, f := range fc.Features {
			if geometryClass(f.Geometry) == main {
				filtered = append(filtered, f)
			}
		}
		fc.Features = filtered
	}

	if len(fc.Features) == 0 {
		return nil, nil
	}
	return fc, nil
}

func parseAny(raw []byte) (*geojson.FeatureCollection, error) {
	typ := gjson.GetBytes(raw, "type").String()

	switch typ {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse feature collection: %v", errdefs.ErrParse, err)
		}
		return fc, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse feature: %v", errdefs.ErrParse, err)
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(f)
		return fc, nil
	case "Point", "MultiPoint", "LineString", "MultiLineString", "Polygon", "MultiPolygon", "GeometryCollection":
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse geometry: %v", errdefs.ErrParse, err)
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(geojson.NewFeature(g.Geometry()))
		return fc, nil
	case "":
		return nil, fmt.Errorf("%w: geojson has no type member", errdefs.ErrParse)
	default:
		return nil, fmt.Errorf("%w: unknown geojson type %q", errdefs.ErrParse, typ)
	}
}

// MainGeometryType returns the most common geometry class in the collection.
// Multi-geometries count toward their single class. Ties resolve in the order
// Polygon, Point, Polyline.
func MainGeometryType(fc *geojson.FeatureCollection) string {
	counts := make(map[string]int, len(geometryClasses))
	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		counts[geometryClass(f.Geometry)]++
	}

	best := geometryClasses[0]
	for _, c := range geometryClasses[1:] {
		if counts[c] > counts[best] {
			best = c
		}
	}
	return best
}

func geometryClass(g orb.Geometry) string {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring, orb.Bound:
		return ClassPolygon
	case orb.Point, orb.MultiPoint:
		return ClassPoint
	case orb.LineString, orb.MultiLineString:
		return ClassPolyline
	}
	return ""
}
