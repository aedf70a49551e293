package central

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/model"
	"fmtmgo/pkg/request"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func building(osmID int, taskID string) *geojson.Feature {
	f := geojson.NewFeature(orb.Polygon{{{85, 27}, {85.1, 27}, {85.1, 27.1}, {85, 27}}})
	f.ID = osmID
	f.Properties["osm_id"] = float64(osmID)
	f.Properties["tags"] = map[string]interface{}{"building": "yes"}
	f.Properties["version"] = float64(1)
	f.Properties["task_id"] = taskID
	return f
}

func TestFeatureToEntity(t *testing.T) {
	e, err := FeatureToEntity(building(42, "3"), "3", "42")
	require.NoError(t, err)

	assert.Equal(t, "Task 3 Feature 42", e.Label)
	assert.Equal(t, "0", e.Data["status"])
	assert.Equal(t, "42", e.Data["osm_id"])
	assert.Equal(t, "1", e.Data["version"])
	assert.Equal(t, `{"building":"yes"}`, e.Data["tags"])
	assert.Equal(t, "27 85 0.0 0.0;27 85.1 0.0 0.0;27.1 85.1 0.0 0.0;27 85 0.0 0.0", e.Data["geometry"])
	assert.Empty(t, e.UUID)

	_, err = FeatureToEntity(nil, "1", "1")
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}

func TestFeaturesToEntities(t *testing.T) {
	tasks := map[int]*geojson.FeatureCollection{
		2: {Features: []*geojson.Feature{building(7, "2")}},
		1: {Features: []*geojson.Feature{building(5, "1"), building(6, "1"), building(5, "1")}},
		3: geojson.NewFeatureCollection(),
	}
	got, err := FeaturesToEntities(tasks)
	require.NoError(t, err)

	labels := make([]string, 0, len(got))
	for _, e := range got {
		labels = append(labels, e.Label)
	}
	assert.Equal(t, []string{"Task 1 Feature 5", "Task 1 Feature 6", "Task 2 Feature 7"}, labels)
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		label  string
		status model.TaskStatus
		want   string
	}{
		{"Task 1 Feature 2", model.StatusLockedForMapping, "🔒 Task 1 Feature 2"},
		{"🔒 Task 1 Feature 2", model.StatusMapped, "✅ Task 1 Feature 2"},
		{"✅ Task 1 Feature 2", model.StatusInvalidated, "❌ Task 1 Feature 2"},
		{"Task 1 Feature 2", model.StatusBad, "❌ Task 1 Feature 2"},
		{"❌ Task 1 Feature 2", model.StatusReady, "Task 1 Feature 2"},
		{"Task 1 Feature 2", model.StatusValidated, "Task 1 Feature 2"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.status, tt.label), func(t *testing.T) {
			got := StatusLabel(tt.label, tt.status)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, StatusLabel(got, tt.status), "must be idempotent")
		})
	}
}

func TestGeoJSONToCSV(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(building(1, "1"))
	pt := geojson.NewFeature(orb.Point{85.3, 27.7})
	pt.Properties["osm_id"] = "node/9"
	pt.Properties["timestamp"] = "2024-01-01"
	fc.Append(pt)

	out, err := GeoJSONToCSV(fc)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{"1", `{"building":"yes"}`, "1", "", "", "27 85 0.0 0.0;27 85.1 0.0 0.0;27.1 85.1 0.0 0.0;27 85 0.0 0.0"}, rows[1])
	assert.Equal(t, []string{"node/9", "", "", "", "2024-01-01", "27.7 85.3 0.0 0.0"}, rows[2])

	_, err = GeoJSONToCSV(geojson.NewFeatureCollection())
	assert.ErrorIs(t, err, errdefs.ErrConversion)
}

func TestParseEntityCSV(t *testing.T) {
	n := 0
	newID := func() string {
		n++
		return fmt.Sprintf("uuid-%d", n)
	}
	in := "label,osm_id,status\nHouse A,1,0\nHouse B,2\n"
	rows, err := ParseEntityCSV(strings.NewReader(in), newID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"label": "House A", "osm_id": "1", "status": "0"}, rows["uuid-1"])
	assert.Equal(t, "", rows["uuid-2"]["status"])

	entities := EntitiesFromRows(rows)
	require.Len(t, entities, 2)
	assert.Equal(t, "uuid-1", entities[0].UUID)
	assert.Equal(t, "House A", entities[0].Label)
	assert.NotContains(t, entities[0].Data, "label")

	_, err = ParseEntityCSV(strings.NewReader(""), newID)
	assert.ErrorIs(t, err, errdefs.ErrValidation)

	_, err = ParseEntityCSV(strings.NewReader("a,b\n\"unterminated,1\n"), newID)
	assert.ErrorIs(t, err, errdefs.ErrParse)
}

// fakeCentral records requests and serves canned responses.
type fakeCentral struct {
	t        *testing.T
	requests []string
	entities map[string]map[string]interface{}
}

func (f *fakeCentral) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin@fmtm.dev" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/projects/1/forms":
		assert.Equal(f.t, "application/xml", r.Header.Get("Content-Type"))
		assert.Equal(f.t, "false", r.URL.Query().Get("publish"))
		_, _ = w.Write([]byte(`{"xmlFormId":"buildings","version":"1"}`))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/draft/publish"):
		_, _ = w.Write([]byte(`{"success":true}`))
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/draft/attachments/"):
		assert.Equal(f.t, "text/csv", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"success":true}`))
	case r.Method == http.MethodPost && r.URL.Path == "/v1/projects/1/datasets/buildings/entities":
		var payload struct {
			Entities []Entity `json:"entities"`
		}
		require.NoError(f.t, json.Unmarshal(body, &payload))
		for _, e := range payload.Entities {
			f.entities[e.UUID] = map[string]interface{}{
				"uuid": e.UUID,
				"currentVersion": map[string]interface{}{
					"label":        e.Label,
					"data":         e.Data,
					"dataReceived": e.Data,
				},
			}
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	case r.Method == http.MethodPatch:
		uuid := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		ent, ok := f.entities[uuid]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(f.t, "true", r.URL.Query().Get("force"))
		var upd struct {
			Label string            `json:"label"`
			Data  map[string]string `json:"data"`
		}
		require.NoError(f.t, json.Unmarshal(body, &upd))
		cv := ent["currentVersion"].(map[string]interface{})
		cv["label"] = upd.Label
		data := cv["data"].(map[string]string)
		for k, v := range upd.Data {
			data[k] = v
		}
		cv["dataReceived"] = upd.Data
		_ = json.NewEncoder(w).Encode(ent)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/users/current":
		_, _ = w.Write([]byte(`{"id":1,"displayName":"admin"}`))
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, ".svc/Entities"):
		assert.Equal(f.t, "__id,osm_id,status", r.URL.Query().Get("$select"))
		_, _ = w.Write([]byte(`{"value":[{"__id":"u1","osm_id":"1","status":"0","__system":{"updatedAt":"2024-04-11T18:23:30.787Z"}}]}`))
	case r.Method == http.MethodGet:
		uuid := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		ent, ok := f.entities[uuid]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T) (*HTTPClient, *fakeCentral) {
	fake := &fakeCentral{t: t, entities: make(map[string]map[string]interface{})}
	svr := httptest.NewServer(fake)
	t.Cleanup(svr.Close)

	transport := request.New(request.Options{
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		RatePerSecond: 1000,
		Burst:         10,
		Logger:        quietLogger(),
	})
	return NewHTTPClient(svr.URL+"/", "admin@fmtm.dev", "secret", transport, quietLogger()), fake
}

func TestHTTPClient_FormWorkflow(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	id, err := c.CreateForm(ctx, 1, []byte("<h:html/>"))
	require.NoError(t, err)
	assert.Equal(t, "buildings", id)

	require.NoError(t, c.UploadMedia(ctx, 1, id, "buildings.csv", []byte("osm_id\n1\n")))
	require.NoError(t, c.PublishForm(ctx, 1, id))

	assert.Equal(t, []string{
		"POST /v1/projects/1/forms",
		"POST /v1/projects/1/forms/buildings/draft/attachments/buildings.csv",
		"POST /v1/projects/1/forms/buildings/draft/publish",
	}, fake.requests)
}

func TestHTTPClient_EntityStatus(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	e, err := FeatureToEntity(building(5, "1"), "1", "5")
	require.NoError(t, err)
	e.UUID = "u1"
	require.NoError(t, c.CreateEntities(ctx, 1, "buildings", []Entity{e}))

	flat, err := SetEntityStatus(ctx, c, 1, "buildings", "u1", e.Label, model.StatusLockedForMapping)
	require.NoError(t, err)
	assert.Equal(t, "u1", flat["id"])
	assert.Equal(t, "🔒 Task 1 Feature 5", flat["label"])
	assert.Equal(t, "1", flat["status"])
	assert.NotContains(t, flat, "uuid")

	flat, err = EntityStatus(ctx, c, 1, "buildings", "u1")
	require.NoError(t, err)
	assert.Equal(t, "1", flat["status"])

	_, err = SetEntityStatus(ctx, c, 1, "buildings", "missing", "x", model.StatusMapped)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestHTTPClient_CreateEntitiesNeedsUUID(t *testing.T) {
	c, fake := newTestClient(t)
	err := c.CreateEntities(context.Background(), 1, "buildings", []Entity{{Label: "x"}})
	assert.ErrorIs(t, err, errdefs.ErrValidation)
	assert.Empty(t, fake.requests)

	assert.NoError(t, c.CreateEntities(context.Background(), 1, "buildings", nil))
}

func TestHTTPClient_ListEntities(t *testing.T) {
	c, _ := newTestClient(t)
	rows, err := c.ListEntities(context.Background(), 1, "buildings", "osm_id,status")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0]["__id"])
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	fake := &fakeCentral{t: t, entities: map[string]map[string]interface{}{}}
	svr := httptest.NewServer(fake)
	defer svr.Close()

	c := NewHTTPClient(svr.URL, "admin@fmtm.dev", "wrong", request.New(request.Options{Logger: quietLogger()}), quietLogger())
	_, err := c.CreateForm(context.Background(), 1, []byte("<x/>"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrExternal)
	assert.True(t, errdefs.Retryable(err))
}

func TestHTTPClient_Ping(t *testing.T) {
	c, fake := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, []string{"GET /v1/users/current"}, fake.requests)
}
