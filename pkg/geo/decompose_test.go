package geo

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmtmgo/pkg/errdefs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func square(x, y, size float64) orb.Polygon {
	return orb.Polygon{{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}}}
}

func TestMultipolygonToPolygon(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	mp := geojson.NewFeature(orb.MultiPolygon{square(0, 0, 1), square(5, 5, 1)})
	mp.Properties["osm_id"] = float64(10)
	fc.Append(mp)

	poly := geojson.NewFeature(square(2, 2, 1))
	poly.Properties["osm_id"] = float64(11)
	fc.Append(poly)

	fc.Append(geojson.NewFeature(orb.Point{1, 1}))

	out := MultipolygonToPolygon(fc)
	require.Len(t, out.Features, 3)
	for _, f := range out.Features {
		_, ok := f.Geometry.(orb.Polygon)
		assert.True(t, ok)
	}
	// Parts share the source properties but not the same map.
	assert.Equal(t, float64(10), out.Features[0].Properties["osm_id"])
	assert.Equal(t, float64(10), out.Features[1].Properties["osm_id"])
	out.Features[0].Properties["osm_id"] = float64(1)
	assert.Equal(t, float64(10), out.Features[1].Properties["osm_id"])
	assert.Equal(t, float64(11), out.Features[2].Properties["osm_id"])

	assert.Empty(t, MultipolygonToPolygon(nil).Features)
}

func TestMergeMultipolygon_Adjacent(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(square(0, 0, 1)))
	fc.Append(geojson.NewFeature(square(1, 0, 1)))

	out, err := MergeMultipolygon(quietLogger(), fc)
	require.NoError(t, err)
	require.Len(t, out.Features, 1)

	poly, ok := out.Features[0].Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.InDelta(t, 2.0, planar.Area(poly), 1e-9)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 1}}, poly.Bound())
}

func TestMergeMultipolygon_DisjointUsesConvexHull(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.MultiPolygon{square(0, 0, 1), square(3, 0, 1)}))

	out, err := MergeMultipolygon(logger, fc)
	require.NoError(t, err)
	require.Len(t, out.Features, 1)

	poly, ok := out.Features[0].Geometry.(orb.Polygon)
	require.True(t, ok)
	// Hull of the two squares is the 4x1 rectangle.
	assert.InDelta(t, 4.0, planar.Area(poly), 1e-9)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{4, 1}}, poly.Bound())
	assert.True(t, strings.Contains(buf.String(), "convex hull"))
}

func TestMergeMultipolygon_Errors(t *testing.T) {
	_, err := MergeMultipolygon(quietLogger(), geojson.NewFeatureCollection())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMerge))
	assert.True(t, errors.Is(err, errdefs.ErrConversion))

	onlyPoints := geojson.NewFeatureCollection().Append(geojson.NewFeature(orb.Point{1, 1}))
	_, err = MergeMultipolygon(quietLogger(), onlyPoints)
	assert.ErrorIs(t, err, ErrMerge)
}

func TestIntersection(t *testing.T) {
	parts, err := Intersection(square(0, 0, 2), square(1, 1, 2))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.InDelta(t, 1.0, planar.Area(parts[0]), 1e-9)

	parts, err = Intersection(square(0, 0, 1), square(5, 5, 1))
	require.NoError(t, err)
	assert.Empty(t, parts)
}
