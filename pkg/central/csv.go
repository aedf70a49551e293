package central

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/geo"
	"fmtmgo/pkg/javarosa"
)

// CSVHeader is the column layout of the select_one_from_file media.
var CSVHeader = []string{"osm_id", "tags", "version", "changeset", "timestamp", "geometry"}

// ErrEmptyCSV is returned when there is nothing to convert.
var ErrEmptyCSV = fmt.Errorf("%w: Conversion GeoJSON --> CSV failed", errdefs.ErrConversion)

// GeoJSONToCSV writes one row per feature with the geometry as a JavaRosa
// string. Missing properties become empty cells.
func GeoJSONToCSV(fc *geojson.FeatureCollection) ([]byte, error) {
	if fc == nil || len(fc.Features) == 0 {
		return nil, ErrEmptyCSV
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		geom, err := javarosa.Encode(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrConversion, err)
		}
		row := make([]string, 0, len(CSVHeader))
		for _, col := range CSVHeader[:len(CSVHeader)-1] {
			row = append(row, geo.ValueString(f.Properties[col]))
		}
		row = append(row, geom)
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseEntityCSV reads a CSV with a header row and keys every row by a fresh
// id from newID. Fields must match the dataset's properties; that is checked
// by the server, not here.
func ParseEntityCSV(r io.Reader, newID func() string) (map[string]map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty csv", errdefs.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrParse, err)
	}

	out := make(map[string]map[string]string)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrParse, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		out[newID()] = row
	}
	return out, nil
}

// EntitiesFromRows turns parsed CSV rows into entities, sorted by id. A
// "label" column becomes the entity label; without one the id is used.
func EntitiesFromRows(rows map[string]map[string]string) []Entity {
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Entity, 0, len(rows))
	for _, id := range ids {
		row := rows[id]
		label := row["label"]
		if label == "" {
			label = id
		}
		data := make(map[string]string, len(row))
		for k, v := range row {
			if k != "label" {
				data[k] = v
			}
		}
		out = append(out, Entity{UUID: id, Label: label, Data: data})
	}
	return out
}
