package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/geo"
)

// FromShapefile reads a .shp (with its .dbf alongside) into features.
// Null shapes are skipped. Numeric attributes become numbers, everything
// else stays text.
func FromShapefile(path string) (*geojson.FeatureCollection, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open shapefile: %v", errdefs.ErrParse, err)
	}
	defer reader.Close()

	fields := reader.Fields()
	fc := geojson.NewFeatureCollection()

	for reader.Next() {
		n, s := reader.Shape()

		g := shapeGeometry(s)
		if g == nil {
			continue
		}

		f := geojson.NewFeature(g)
		for i, field := range fields {
			f.Properties[field.String()] = attributeValue(field, reader.ReadAttribute(n, i))
		}
		fc.Append(f)
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating shapes: %v", errdefs.ErrParse, err)
	}
	if len(fc.Features) == 0 {
		return nil, geo.ErrNoFeatures
	}
	return fc, nil
}

func shapeGeometry(s shp.Shape) orb.Geometry {
	switch t := s.(type) {
	case *shp.Point:
		return orb.Point{t.X, t.Y}
	case *shp.MultiPoint:
		mp := make(orb.MultiPoint, 0, len(t.Points))
		for _, p := range t.Points {
			mp = append(mp, orb.Point{p.X, p.Y})
		}
		return mp
	case *shp.PolyLine:
		parts := splitParts(t.Parts, t.Points)
		if len(parts) == 1 {
			return orb.LineString(parts[0])
		}
		mls := make(orb.MultiLineString, 0, len(parts))
		for _, p := range parts {
			mls = append(mls, orb.LineString(p))
		}
		return mls
	case *shp.Polygon:
		return polygonRings(splitParts(t.Parts, t.Points))
	}
	return nil
}

func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i < len(parts)-1 {
			end = parts[i+1]
		}
		ring := make([]orb.Point, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		out = append(out, ring)
	}
	return out
}

// polygonRings groups shapefile rings into polygons: a clockwise ring starts
// a new polygon, counter-clockwise rings are holes of the current one.
func polygonRings(rings [][]orb.Point) orb.Geometry {
	var mp orb.MultiPolygon
	for _, pts := range rings {
		r := orb.Ring(pts)
		if len(mp) == 0 || r.Orientation() == orb.CW {
			mp = append(mp, orb.Polygon{r})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], r)
	}
	switch len(mp) {
	case 0:
		return nil
	case 1:
		return mp[0]
	}
	return mp
}

func attributeValue(field shp.Field, raw string) interface{} {
	v := strings.Trim(raw, "\x00 ")
	switch field.Fieldtype {
	case 'N', 'F':
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
