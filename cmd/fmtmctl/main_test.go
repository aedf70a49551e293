package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const boundary = `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},
"geometry":{"type":"Polygon","coordinates":[[[85.300,27.700],[85.303,27.700],[85.303,27.703],[85.300,27.703],[85.300,27.700]]]}}]}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func points(n int) string {
	var feats []string
	for i := 0; i < n; i++ {
		feats = append(feats, fmt.Sprintf(
			`{"type":"Feature","properties":{"osm_id":%d,"building":"yes"},"geometry":{"type":"Point","coordinates":[%f,%f]}}`,
			101+i, 85.3002+float64(i)*0.0005, 27.7002+float64(i%3)*0.0008))
	}
	return `{"type":"FeatureCollection","features":[` + strings.Join(feats, ",") + `]}`
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func readCollection(t *testing.T, path string) *geojson.FeatureCollection {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	return fc
}

func TestConvert_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "points.geojson", points(4))
	fgbPath := filepath.Join(dir, "out", "points.fgb")
	back := filepath.Join(dir, "back.geojson")

	require.NoError(t, runConvert([]string{"-input", in, "-output", fgbPath}, quietLogger()))
	require.NoError(t, runConvert([]string{"-input", fgbPath, "-output", back}, quietLogger()))

	fc := readCollection(t, back)
	assert.Len(t, fc.Features, 4)
}

func TestConvert_CSV(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "points.geojson", points(2))
	out := filepath.Join(dir, "points.csv")

	require.NoError(t, runConvert([]string{"-input", in, "-output", out}, quietLogger()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "geometry")
}

func TestConvert_Errors(t *testing.T) {
	dir := t.TempDir()
	in := writeFile(t, dir, "points.geojson", points(1))

	assert.Error(t, runConvert([]string{"-input", in}, quietLogger()))
	assert.Error(t, runConvert([]string{"-input", in, "-output", filepath.Join(dir, "x.kml")}, quietLogger()))
	assert.Error(t, runConvert([]string{"-input", filepath.Join(dir, "x.gpx"), "-output", filepath.Join(dir, "x.geojson")}, quietLogger()))
}

func TestSplit_BySquare(t *testing.T) {
	dir := t.TempDir()
	aoi := writeFile(t, dir, "aoi.geojson", boundary)
	out := filepath.Join(dir, "tasks.geojson")

	err := runSplit(context.Background(), []string{"-boundary", aoi, "-output", out, "-dimension", "150"}, quietLogger())
	require.NoError(t, err)

	fc := readCollection(t, out)
	assert.Greater(t, len(fc.Features), 1)
}

func TestSplit_ByFeatureCount(t *testing.T) {
	dir := t.TempDir()
	aoi := writeFile(t, dir, "aoi.geojson", boundary)
	extractPath := writeFile(t, dir, "buildings.geojson", points(6))
	out := filepath.Join(dir, "tasks.geojson")

	err := runSplit(context.Background(),
		[]string{"-boundary", aoi, "-extract", extractPath, "-count", "2", "-output", out}, quietLogger())
	require.NoError(t, err)

	fc := readCollection(t, out)
	require.Greater(t, len(fc.Features), 1)
	total := 0
	for _, f := range fc.Features {
		total += int(f.Properties["feature_count"].(float64))
	}
	assert.Equal(t, 6, total)
}
