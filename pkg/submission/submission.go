// Package submission flattens ODK Central submissions and entities and turns
// them into GeoJSON.
package submission

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/javarosa"
)

var (
	// ErrNoSubmissions is returned when the submission JSON holds nothing.
	ErrNoSubmissions = fmt.Errorf("%w: loading JSON submission failed", errdefs.ErrValidation)
	// ErrNotFound is returned for an empty entity lookup.
	ErrNotFound = fmt.Errorf("%w: entity", errdefs.ErrNotFound)
)

// submissionMeta is removed from each submission before flattening.
var submissionMeta = []string{"meta", "__id", "__system"}

// Flatten inlines nested objects into a single level. Objects that look like
// GeoJSON geometries (both "type" and "coordinates" keys) are dropped. On a
// key collision the last key visited wins; keys are visited in sorted order
// at every level.
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	flattenInto(data, out)
	return out
}

func flattenInto(data, target map[string]interface{}) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if nested, ok := data[k].(map[string]interface{}); ok {
			_, hasType := nested["type"]
			_, hasCoords := nested["coordinates"]
			if hasType && hasCoords {
				continue
			}
			flattenInto(nested, target)
			continue
		}
		target[k] = data[k]
	}
}

// SubmissionsToGeoJSON converts a submission list, either an OData
// {"value": [...]} envelope or a bare array, into features. The xlocation
// field is decoded as the feature polygon.
func SubmissionsToGeoJSON(raw []byte) (*geojson.FeatureCollection, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid submission json", errdefs.ErrParse)
	}
	list := gjson.ParseBytes(raw)
	if v := list.Get("value"); list.IsObject() && v.IsArray() {
		list = v
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: expected a list of submissions", errdefs.ErrValidation)
	}

	var submissions []map[string]interface{}
	if err := json.Unmarshal([]byte(list.Raw), &submissions); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrParse, err)
	}
	if len(submissions) == 0 {
		return nil, ErrNoSubmissions
	}

	fc := geojson.NewFeatureCollection()
	for _, sub := range submissions {
		for _, k := range submissionMeta {
			delete(sub, k)
		}
		data := Flatten(sub)

		loc, _ := data["xlocation"].(string)
		delete(data, "xlocation")
		g, err := javarosa.Decode(loc, javarosa.Polygon)
		if err != nil {
			return nil, fmt.Errorf("failed to decode submission location: %w", err)
		}

		f := geojson.NewFeature(g)
		f.Properties = data
		fc.Append(f)
	}
	return fc, nil
}

// EntitiesToGeoJSON converts OData entity rows into features, decoding the
// geometry field as a polygon and using __id as the feature id.
func EntitiesToGeoJSON(entities []map[string]interface{}) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for _, e := range entities {
		data := Flatten(e)

		geom, _ := data["geometry"].(string)
		delete(data, "geometry")
		g, err := javarosa.Decode(geom, javarosa.Polygon)
		if err != nil {
			return nil, fmt.Errorf("failed to decode entity geometry: %w", err)
		}

		f := geojson.NewFeature(g)
		f.ID = data["__id"]
		delete(data, "__id")
		f.Properties = data
		fc.Append(f)
	}
	return fc, nil
}

// EntityToFlat flattens a single entity, dropping
// currentVersion.dataReceived and renaming uuid to id.
func EntityToFlat(entity map[string]interface{}) (map[string]interface{}, error) {
	if len(entity) == 0 {
		return nil, ErrNotFound
	}
	if cv, ok := entity["currentVersion"].(map[string]interface{}); ok {
		delete(cv, "dataReceived")
	}
	flat := Flatten(entity)
	flat["id"] = flat["uuid"]
	delete(flat, "uuid")
	return flat, nil
}

// EntitiesData flattens entity rows without geometry, renaming __id to id.
func EntitiesData(rows []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		flat := Flatten(r)
		flat["id"] = flat["__id"]
		delete(flat, "__id")
		out = append(out, flat)
	}
	return out
}
