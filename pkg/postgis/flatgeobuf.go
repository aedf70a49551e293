package postgis

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/fgb"
)

const encodeSQL = `
WITH data AS (SELECT $1::json AS fc),
feats AS (
    SELECT
        ST_SetSRID(ST_ForceCollection(ST_GeomFromGeoJSON(feat->>'geometry')), 4326) AS geom,
        NULLIF(regexp_replace((feat->'properties'->>'osm_id')::text, '[^0-9]', '', 'g'), '')::bigint AS osm_id,
        (feat->'properties'->>'tags')::text AS tags,
        (feat->'properties'->>'version')::integer AS version,
        (feat->'properties'->>'changeset')::integer AS changeset,
        (feat->'properties'->>'timestamp')::text AS timestamp
    FROM json_array_elements((SELECT fc->'features' FROM data)) AS f(feat)
    WHERE json_typeof(feat->'geometry') = 'object'
)
SELECT ST_AsFlatGeobuf(feats, true) FROM feats`

// duplicate_column
const codeDuplicateColumn = "42701"

// FlatGeobufCodec implements fgb.Codec with ST_AsFlatGeobuf and
// ST_FromFlatGeobuf.
type FlatGeobufCodec struct {
	db *DB
}

var _ fgb.Codec = (*FlatGeobufCodec)(nil)

// NewFlatGeobufCodec creates a codec on db.
func NewFlatGeobufCodec(db *DB) *FlatGeobufCodec {
	return &FlatGeobufCodec{db: db}
}

// Encode implements fgb.Codec. The database builds the spatial index.
func (c *FlatGeobufCodec) Encode(ctx context.Context, fc *geojson.FeatureCollection) ([]byte, error) {
	if fc == nil || len(fc.Features) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}

	var out []byte
	err = c.db.withConn(ctx, func(conn *sql.Conn) error {
		if err := conn.QueryRowContext(ctx, encodeSQL, string(payload)).Scan(&out); err != nil {
			return external("failed to encode flatgeobuf", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		c.db.logger.Warn("No features to write to flatgeobuf")
		return nil, nil
	}
	return out, nil
}

// Decode implements fgb.Codec. The file is read through a scratch table that
// is dropped before returning.
func (c *FlatGeobufCodec) Decode(ctx context.Context, data []byte) (*geojson.FeatureCollection, error) {
	if len(data) == 0 {
		return nil, nil
	}
	table := scratchTable()

	var fc *geojson.FeatureCollection
	err := c.db.withConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, "SELECT ST_FromFlatGeobufToTable('public', $1, $2)", table, data); err != nil {
			if pgCode(err) == codeDuplicateColumn {
				c.db.logger.Error("Attempted flatgeobuf to geojson conversion failed", "error", err)
				return fmt.Errorf("%w: %v", fgb.ErrDuplicateIDColumn, err)
			}
			return external("failed to read flatgeobuf", err)
		}
		defer func() {
			// the request context may already be done
			if _, err := conn.ExecContext(context.Background(), "DROP TABLE IF EXISTS public."+table); err != nil {
				c.db.logger.Warn("Failed to drop scratch table", "table", table, "error", err)
			}
		}()

		var err error
		fc, err = c.readRows(ctx, conn, table, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fc, nil
}

func (c *FlatGeobufCodec) readRows(ctx context.Context, conn *sql.Conn, table string, data []byte) (*geojson.FeatureCollection, error) {
	q := `SELECT ST_AsGeoJSON(ST_GeometryN(geom, 1)), osm_id, tags, version, changeset, timestamp
		FROM ST_FromFlatGeobuf(null::public.` + table + `, $1)`
	rows, err := conn.QueryContext(ctx, q, data)
	if err != nil {
		return nil, external("failed to read flatgeobuf", err)
	}
	defer rows.Close()

	fc := geojson.NewFeatureCollection()
	for rows.Next() {
		var (
			geomJSON                  sql.NullString
			osmID, version, changeset sql.NullInt64
			tags, timestamp           sql.NullString
		)
		if err := rows.Scan(&geomJSON, &osmID, &tags, &version, &changeset, &timestamp); err != nil {
			return nil, external("failed to scan flatgeobuf row", err)
		}
		if !geomJSON.Valid {
			continue
		}
		g, err := geojson.UnmarshalGeometry([]byte(geomJSON.String))
		if err != nil {
			return nil, fmt.Errorf("failed to parse geometry from database: %w", err)
		}

		f := geojson.NewFeature(g.Geometry())
		f.Properties[fgb.ColOSMID] = nullInt(osmID)
		f.Properties[fgb.ColTags] = nullString(tags)
		f.Properties[fgb.ColVersion] = nullInt(version)
		f.Properties[fgb.ColChangeset] = nullInt(changeset)
		f.Properties[fgb.ColTimestamp] = nullString(timestamp)
		if osmID.Valid {
			f.ID = osmID.Int64
		}
		fc.Append(f)
	}
	if err := rows.Err(); err != nil {
		return nil, external("failed to read flatgeobuf rows", err)
	}
	if len(fc.Features) == 0 {
		return nil, nil
	}
	return fc, nil
}

// scratchTable returns a unique, identifier-safe table name.
func scratchTable() string {
	return "temp_fgb_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nullInt(v sql.NullInt64) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullString(v sql.NullString) interface{} {
	if !v.Valid {
		return nil
	}
	return v.String
}
