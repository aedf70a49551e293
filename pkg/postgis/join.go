package postgis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/split"
)

// joinSQL returns, for each distinct feature geometry, the first task in
// index order whose outline covers the feature centroid.
const joinSQL = `
WITH tasks AS (
    SELECT idx::int AS idx, ST_SetSRID(ST_GeomFromGeoJSON(outline), 4326) AS outline
    FROM jsonb_array_elements($1::jsonb) WITH ORDINALITY AS t(outline, idx)
),
parsed AS (
    SELECT ord::int AS ord, ST_SetSRID(ST_GeomFromGeoJSON(feature->>'geometry'), 4326) AS geometry
    FROM jsonb_array_elements($2::jsonb->'features') WITH ORDINALITY AS f(feature, ord)
    WHERE jsonb_typeof(feature->'geometry') = 'object'
),
features AS (
    SELECT DISTINCT ON (ST_AsEWKB(geometry)) ord, geometry
    FROM parsed
    ORDER BY ST_AsEWKB(geometry), ord
)
SELECT DISTINCT ON (features.ord) features.ord, tasks.idx
FROM features
JOIN tasks ON ST_Covers(tasks.outline, ST_Centroid(features.geometry))
ORDER BY features.ord, tasks.idx`

// Joiner implements split.SpatialJoiner in the database.
type Joiner struct {
	db *DB
}

var _ split.SpatialJoiner = (*Joiner)(nil)

// NewJoiner creates a joiner on db.
func NewJoiner(db *DB) *Joiner {
	return &Joiner{db: db}
}

// Join implements split.SpatialJoiner.
func (j *Joiner) Join(ctx context.Context, tasks []orb.Polygon, features *geojson.FeatureCollection, projectID int64) (map[int]*geojson.FeatureCollection, error) {
	out := make(map[int]*geojson.FeatureCollection, len(tasks))
	for i := range tasks {
		out[i+1] = geojson.NewFeatureCollection()
	}
	if features == nil || len(features.Features) == 0 || len(tasks) == 0 {
		return out, nil
	}

	outlines := make([]*geojson.Geometry, len(tasks))
	for i, t := range tasks {
		outlines[i] = geojson.NewGeometry(t)
	}
	tasksJSON, err := json.Marshal(outlines)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task outlines: %w", err)
	}
	featJSON, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}

	assigned := 0
	err = j.db.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, joinSQL, string(tasksJSON), string(featJSON))
		if err != nil {
			return external("failed to split features by task", err)
		}
		defer rows.Close()

		for rows.Next() {
			var ord, idx int
			if err := rows.Scan(&ord, &idx); err != nil {
				return external("failed to scan task assignment", err)
			}
			if ord < 1 || ord > len(features.Features) || out[idx] == nil {
				continue
			}
			out[idx].Append(split.Tag(features.Features[ord-1], idx, projectID))
			assigned++
		}
		if err := rows.Err(); err != nil {
			return external("failed to read task assignments", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if dropped := len(features.Features) - assigned; dropped > 0 {
		j.db.logger.Warn("features dropped from task split",
			"project_id", projectID,
			"dropped", dropped)
	}
	return out, nil
}
