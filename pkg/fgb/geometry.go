package fgb

import (
	"fmt"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
)

// buildGeometry converts g into a writer geometry on b. Multi-part
// geometries other than lines are written as parts.
func buildGeometry(b *flatbuffers.Builder, g orb.Geometry) (*writer.Geometry, error) {
	out := writer.NewGeometry(b)

	switch t := g.(type) {
	case orb.Point:
		return out.SetType(flattypes.GeometryTypePoint).SetXY([]float64{t[0], t[1]}), nil
	case orb.MultiPoint:
		return out.SetType(flattypes.GeometryTypeMultiPoint).SetXY(flatten(t)), nil
	case orb.LineString:
		return out.SetType(flattypes.GeometryTypeLineString).SetXY(flatten(t)), nil
	case orb.Ring:
		return buildGeometry(b, orb.Polygon{t})
	case orb.Bound:
		return buildGeometry(b, t.ToPolygon())
	case orb.MultiLineString:
		xy, ends := rings(len(t), func(i int) []orb.Point { return t[i] })
		return out.SetType(flattypes.GeometryTypeMultiLineString).SetXY(xy).SetEnds(ends), nil
	case orb.Polygon:
		xy, ends := rings(len(t), func(i int) []orb.Point { return t[i] })
		return out.SetType(flattypes.GeometryTypePolygon).SetXY(xy).SetEnds(ends), nil
	case orb.MultiPolygon:
		parts := make([]writer.Geometry, 0, len(t))
		for _, p := range t {
			part, err := buildGeometry(b, p)
			if err != nil {
				return nil, err
			}
			parts = append(parts, *part)
		}
		return out.SetType(flattypes.GeometryTypeMultiPolygon).SetParts(parts), nil
	case orb.Collection:
		parts := make([]writer.Geometry, 0, len(t))
		for _, member := range t {
			part, err := buildGeometry(b, member)
			if err != nil {
				return nil, err
			}
			parts = append(parts, *part)
		}
		return out.SetType(flattypes.GeometryTypeGeometryCollection).SetParts(parts), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedGeometry, g)
}

// rings concatenates n point runs and records their ends. A single run
// needs no ends.
func rings(n int, run func(int) []orb.Point) ([]float64, []uint32) {
	var (
		xy   []float64
		ends []uint32
	)
	for i := 0; i < n; i++ {
		xy = append(xy, flatten(run(i))...)
		ends = append(ends, uint32(len(xy)/2))
	}
	if len(ends) == 1 {
		ends = nil
	}
	return xy, ends
}

func flatten(pts []orb.Point) []float64 {
	out := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		out = append(out, p[0], p[1])
	}
	return out
}

// readGeometry converts a stored geometry. fallback is the header geometry
// type, used when the geometry table carries none.
func readGeometry(g *flattypes.Geometry, fallback flattypes.GeometryType) (orb.Geometry, error) {
	typ := g.Type()
	if typ == flattypes.GeometryTypeUnknown {
		typ = fallback
	}

	switch typ {
	case flattypes.GeometryTypePoint:
		pts := readPoints(g)
		if len(pts) == 0 {
			return nil, nil
		}
		return pts[0], nil
	case flattypes.GeometryTypeMultiPoint:
		return orb.MultiPoint(readPoints(g)), nil
	case flattypes.GeometryTypeLineString:
		return orb.LineString(readPoints(g)), nil
	case flattypes.GeometryTypeMultiLineString:
		var mls orb.MultiLineString
		for _, pts := range splitEnds(g) {
			mls = append(mls, orb.LineString(pts))
		}
		return mls, nil
	case flattypes.GeometryTypePolygon:
		var poly orb.Polygon
		for _, pts := range splitEnds(g) {
			poly = append(poly, orb.Ring(pts))
		}
		return poly, nil
	case flattypes.GeometryTypeMultiPolygon:
		var mp orb.MultiPolygon
		part := new(flattypes.Geometry)
		for j := 0; j < g.PartsLength(); j++ {
			if !g.Parts(part, j) {
				continue
			}
			pg, err := readGeometry(part, flattypes.GeometryTypePolygon)
			if err != nil {
				return nil, err
			}
			if p, ok := pg.(orb.Polygon); ok {
				mp = append(mp, p)
			}
		}
		return mp, nil
	case flattypes.GeometryTypeGeometryCollection:
		var c orb.Collection
		for j := 0; j < g.PartsLength(); j++ {
			part := new(flattypes.Geometry)
			if !g.Parts(part, j) {
				continue
			}
			pg, err := readGeometry(part, flattypes.GeometryTypeUnknown)
			if err != nil {
				return nil, err
			}
			if pg != nil {
				c = append(c, pg)
			}
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: geometry type %d", ErrUnsupportedGeometry, typ)
}

func readPoints(g *flattypes.Geometry) []orb.Point {
	n := g.XyLength() / 2
	pts := make([]orb.Point, n)
	for i := 0; i < n; i++ {
		pts[i] = orb.Point{g.Xy(2 * i), g.Xy(2*i + 1)}
	}
	return pts
}

func splitEnds(g *flattypes.Geometry) [][]orb.Point {
	pts := readPoints(g)
	if g.EndsLength() == 0 {
		if len(pts) == 0 {
			return nil
		}
		return [][]orb.Point{pts}
	}
	var out [][]orb.Point
	start := 0
	for j := 0; j < g.EndsLength(); j++ {
		end := int(g.Ends(j))
		if end > len(pts) || end < start {
			end = len(pts)
		}
		out = append(out, pts[start:end])
		start = end
	}
	return out
}
