package geo

import (
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/peterstace/simplefeatures/geom"
)

// MultipolygonToPolygon splits every MultiPolygon feature into one Polygon
// feature per member. Each emitted feature gets a copy of the source
// properties and id, so osm_id is not unique across the parts. Features that are
// neither Polygon nor MultiPolygon are dropped.
func MultipolygonToPolygon(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	if fc == nil {
		return out
	}

	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			nf := geojson.NewFeature(g)
			nf.ID = f.ID
			nf.Properties = f.Properties.Clone()
			out.Append(nf)
		case orb.MultiPolygon:
			for _, p := range g {
				nf := geojson.NewFeature(p)
				nf.ID = f.ID
				nf.Properties = f.Properties.Clone()
				out.Append(nf)
			}
		}
	}
	return out
}

// MergeMultipolygon unions every Polygon and MultiPolygon in the collection
// into a single Polygon. When the union is disjoint the convex hull of the
// union is returned instead and a warning is logged. z values never reach
// this point since orb geometries are 2D.
func MergeMultipolygon(logger *slog.Logger, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var parts []geom.Geometry
	if fc != nil {
		for _, f := range fc.Features {
			if f == nil {
				continue
			}
			switch f.Geometry.(type) {
			case orb.Polygon, orb.MultiPolygon:
			default:
				continue
			}
			g, err := toSimple(f.Geometry)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMerge, err)
			}
			parts = append(parts, g)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrMerge, ErrNoPolygons)
	}

	merged := parts[0]
	for _, p := range parts[1:] {
		u, err := geom.Union(merged, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMerge, err)
		}
		merged = u
	}

	if merged.Type() == geom.TypeMultiPolygon {
		logger.Warn("Merged boundary contains disjoint polygons, using convex hull. Adjacent polygons are preferred.")
		merged = merged.ConvexHull()
	}

	out, err := fromSimple(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMerge, err)
	}
	poly, ok := out.(orb.Polygon)
	if !ok {
		return nil, fmt.Errorf("%w: merged geometry is %s, not Polygon", ErrMerge, out.GeoJSONType())
	}

	result := geojson.NewFeatureCollection()
	result.Append(geojson.NewFeature(poly))
	return result, nil
}

// toSimple and fromSimple move geometries between orb and simplefeatures
// through WKB.
func toSimple(g orb.Geometry) (geom.Geometry, error) {
	b, err := wkb.Marshal(g)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("failed to encode wkb: %w", err)
	}
	sg, err := geom.UnmarshalWKB(b)
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("invalid geometry: %w", err)
	}
	return sg, nil
}

func fromSimple(g geom.Geometry) (orb.Geometry, error) {
	og, err := wkb.Unmarshal(g.AsBinary())
	if err != nil {
		return nil, fmt.Errorf("failed to decode wkb: %w", err)
	}
	return og, nil
}

// Intersection returns the parts of a that lie within b as polygons.
// Lower-dimensional leftovers (shared edges, touching corners) are discarded.
func Intersection(a, b orb.Polygon) ([]orb.Polygon, error) {
	sa, err := toSimple(a)
	if err != nil {
		return nil, err
	}
	sb, err := toSimple(b)
	if err != nil {
		return nil, err
	}
	inter, err := geom.Intersection(sa, sb)
	if err != nil {
		return nil, fmt.Errorf("failed to intersect polygons: %w", err)
	}
	if inter.IsEmpty() {
		return nil, nil
	}
	og, err := fromSimple(inter)
	if err != nil {
		return nil, err
	}
	return polygonsOf(og), nil
}

func polygonsOf(g orb.Geometry) []orb.Polygon {
	switch t := g.(type) {
	case orb.Polygon:
		if len(t) == 0 {
			return nil
		}
		return []orb.Polygon{t}
	case orb.MultiPolygon:
		out := make([]orb.Polygon, 0, len(t))
		for _, p := range t {
			if len(p) > 0 {
				out = append(out, p)
			}
		}
		return out
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range t {
			out = append(out, polygonsOf(c)...)
		}
		return out
	}
	return nil
}
