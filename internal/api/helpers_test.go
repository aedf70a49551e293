package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmtmgo/pkg/central"
	"fmtmgo/pkg/errdefs"
)

// fakeODK records what the handlers send to ODK Central.
type fakeODK struct {
	mu        sync.Mutex
	forms     map[string][]byte
	published []string
	media     map[string][]byte
	entities  map[string]central.Entity
	fail      error
}

func (f *fakeODK) CreateForm(_ context.Context, projectID int64, xform []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	if f.forms == nil {
		f.forms = map[string][]byte{}
	}
	id := fmt.Sprintf("form-%d-%d", projectID, len(f.forms)+1)
	f.forms[id] = xform
	return id, nil
}

func (f *fakeODK) PublishForm(_ context.Context, _ int64, formID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, formID)
	return nil
}

func (f *fakeODK) UploadMedia(_ context.Context, _ int64, formID, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.media == nil {
		f.media = map[string][]byte{}
	}
	f.media[formID+"/"+filename] = data
	return nil
}

func (f *fakeODK) CreateEntities(_ context.Context, _ int64, _ string, entities []central.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.entities == nil {
		f.entities = map[string]central.Entity{}
	}
	for _, e := range entities {
		if e.UUID == "" {
			return fmt.Errorf("%w: entity without uuid", errdefs.ErrValidation)
		}
		f.entities[e.UUID] = e
	}
	return nil
}

func (f *fakeODK) odkEntity(e central.Entity) map[string]interface{} {
	data := map[string]interface{}{}
	for k, v := range e.Data {
		data[k] = v
	}
	return map[string]interface{}{
		"uuid": e.UUID,
		"currentVersion": map[string]interface{}{
			"label":        e.Label,
			"data":         data,
			"dataReceived": map[string]interface{}{"label": e.Label},
		},
	}
}

func (f *fakeODK) GetEntity(_ context.Context, _ int64, _, uuid string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", errdefs.ErrNotFound, uuid)
	}
	return f.odkEntity(e), nil
}

func (f *fakeODK) UpdateEntity(_ context.Context, _ int64, _, uuid, label string, data map[string]string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", errdefs.ErrNotFound, uuid)
	}
	e.Label = label
	for k, v := range data {
		e.Data[k] = v
	}
	f.entities[uuid] = e
	return f.odkEntity(e), nil
}

func (f *fakeODK) ListEntities(_ context.Context, _ int64, _, _ string) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []map[string]interface{}
	for id, e := range f.entities {
		rows = append(rows, map[string]interface{}{
			"__id":     id,
			"geometry": e.Data["geometry"],
			"status":   e.Data["status"],
			"task_id":  e.Data["task_id"],
		})
	}
	return rows, nil
}

const pointsGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": 11, "geometry": {"type": "Point", "coordinates": [85.3001, 27.7001]}, "properties": {"amenity": "cafe"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [85.3002, 27.7002]}, "properties": {"fid": 12}},
    {"type": "Feature", "geometry": null, "properties": {"fid": 13}}
  ]
}`

// fgbPointsGeoJSON carries the null geometry mid-collection, so the CRS
// check on the last feature sees a point.
const fgbPointsGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": 11, "geometry": {"type": "Point", "coordinates": [85.3001, 27.7001]}, "properties": {"amenity": "cafe"}},
    {"type": "Feature", "geometry": null, "properties": {"fid": 13}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [85.3002, 27.7002]}, "properties": {"fid": 12}}
  ]
}`

func TestAppendGeoJSONProperties(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, http.MethodPost, "/helper/append-geojson-properties",
		[]upload{{"geojson", "points.geojson", []byte(pointsGeoJSON)}}, nil)
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "geojson_withtags.geojson")

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, float64(11), fc.Features[0].Properties["osm_id"])
	assert.Equal(t, float64(12), fc.Features[1].Properties["osm_id"])
	for _, f := range fc.Features {
		for _, key := range []string{"tags", "version", "changeset", "timestamp"} {
			assert.Contains(t, f.Properties, key)
		}
	}
}

func TestAppendGeoJSONProperties_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{"type":`, http.StatusBadRequest},
		{"no features", `{"type":"FeatureCollection","features":[]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := multipartRequest(t, http.MethodPost, "/helper/append-geojson-properties",
				[]upload{{"geojson", "in.geojson", []byte(tt.body)}}, nil)
			rec := env.do(t, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := env.do(t, multipartRequest(t, http.MethodPost, "/helper/append-geojson-properties", nil, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGeoJSONToODKCSV(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, http.MethodPost, "/helper/convert-geojson-to-odk-csv",
		[]upload{{"geojson", "points.geojson", []byte(pointsGeoJSON)}}, nil)
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "points.csv")

	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, central.CSVHeader, rows[0])
	assert.Equal(t, "11", rows[1][0])
	assert.Equal(t, "27.7001 85.3001 0.0 0.0", rows[1][5])

	req = multipartRequest(t, http.MethodPost, "/helper/convert-geojson-to-odk-csv",
		[]upload{{"geojson", "points.txt", []byte(pointsGeoJSON)}}, nil)
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJavaRosaToGeoJSON(t *testing.T) {
	env := newTestEnv(t)

	q := url.Values{}
	q.Set("javarosa_string", "27.7 85.3 0.0 0.0")
	q.Set("geometry_type", "Point")
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/helper/javarosa-geom-to-geojson?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	g, err := geojson.UnmarshalGeometry(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, orb.Point{85.3, 27.7}, g.Geometry())

	q.Set("geometry_type", "Circle")
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/helper/javarosa-geom-to-geojson?"+q.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	q.Set("geometry_type", "Point")
	q.Set("javarosa_string", "north 85.3 0.0 0.0")
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/helper/javarosa-geom-to-geojson?"+q.Encode(), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmissionJSONToGeoJSON(t *testing.T) {
	env := newTestEnv(t)

	body := `{"value": [{"__id": "uuid:1", "meta": {"instanceID": "uuid:1"}, "survey": {"building": "yes"}, "xlocation": "27.7 85.3 0.0 0.0;27.7 85.31 0.0 0.0;27.71 85.31 0.0 0.0;27.7 85.3 0.0 0.0"}]}`
	req := multipartRequest(t, http.MethodPost, "/helper/convert-odk-submission-json-to-geojson",
		[]upload{{"json_file", "submissions.json", []byte(body)}}, nil)
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "submissions.geojson")

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "yes", fc.Features[0].Properties["building"])
	assert.IsType(t, orb.Polygon{}, fc.Features[0].Geometry)

	req = multipartRequest(t, http.MethodPost, "/helper/convert-odk-submission-json-to-geojson",
		[]upload{{"json_file", "submissions.json", []byte(`[]`)}}, nil)
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlatGeobufRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, http.MethodPost, "/helper/geojson-to-flatgeobuf",
		[]upload{{"geojson", "points.geojson", []byte(fgbPointsGeoJSON)}}, nil)
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "points.fgb")
	encoded := rec.Body.Bytes()

	req = multipartRequest(t, http.MethodPost, "/helper/flatgeobuf-to-geojson",
		[]upload{{"flatgeobuf", "points.fgb", encoded}}, nil)
	rec = env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)
	var ids []interface{}
	for _, f := range fc.Features {
		ids = append(ids, f.Properties["osm_id"])
	}
	assert.ElementsMatch(t, []interface{}{float64(11), float64(12)}, ids)

	req = multipartRequest(t, http.MethodPost, "/helper/flatgeobuf-to-geojson",
		[]upload{{"flatgeobuf", "points.fgb", encoded}},
		map[string]string{"bbox": "85.30015,27.70015,85.3003,27.7003"})
	rec = env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fc, err = geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, float64(12), fc.Features[0].Properties["osm_id"])

	req = multipartRequest(t, http.MethodPost, "/helper/flatgeobuf-to-geojson",
		[]upload{{"flatgeobuf", "points.fgb", encoded}}, map[string]string{"bbox": "1,2,3"})
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = multipartRequest(t, http.MethodPost, "/helper/flatgeobuf-to-geojson",
		[]upload{{"flatgeobuf", "broken.fgb", []byte("not a flatgeobuf")}}, nil)
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGeoJSONToFlatGeobuf_NullLastGeometry(t *testing.T) {
	env := newTestEnv(t)

	req := multipartRequest(t, http.MethodPost, "/helper/geojson-to-flatgeobuf",
		[]upload{{"geojson", "points.geojson", []byte(pointsGeoJSON)}}, nil)
	rec := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported coordinate system")
}

func TestGeoJSONToFlatGeobuf_RejectsProjectedCRS(t *testing.T) {
	env := newTestEnv(t)

	body := `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::3857"}},"features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[9495000,3209000]},"properties":{}}]}`
	req := multipartRequest(t, http.MethodPost, "/helper/geojson-to-flatgeobuf",
		[]upload{{"geojson", "merc.geojson", []byte(body)}}, nil)
	rec := env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "WGS84")
}

func TestCreateEntitiesFromCSV(t *testing.T) {
	env := newTestEnv(t)

	body := "label,geometry,status\nFirst,27.7 85.3 0.0 0.0,0\nSecond,27.8 85.4 0.0 0.0,0\n"
	req := multipartRequest(t, http.MethodPost, "/helper/create-entities-from-csv",
		[]upload{{"csv_file", "features.csv", []byte(body)}},
		map[string]string{"odk_project_id": "3", "entity_name": "buildings"})
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]int
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp["created"])

	labels := map[string]bool{}
	for _, e := range env.odk.entities {
		labels[e.Label] = true
		assert.NotContains(t, e.Data, "label")
	}
	assert.Equal(t, map[string]bool{"First": true, "Second": true}, labels)

	req = multipartRequest(t, http.MethodPost, "/helper/create-entities-from-csv",
		[]upload{{"csv_file", "features.csv", []byte(body)}},
		map[string]string{"odk_project_id": "x", "entity_name": "buildings"})
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateEntitiesFromCSV_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.odk.fail = fmt.Errorf("%w: central unavailable", errdefs.ErrExternal)

	req := multipartRequest(t, http.MethodPost, "/helper/create-entities-from-csv",
		[]upload{{"csv_file", "features.csv", []byte("label\nOne\n")}},
		map[string]string{"odk_project_id": "3", "entity_name": "buildings"})
	rec := env.do(t, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
