// Package fgb reads and writes FlatGeobuf files holding task features.
//
// Files are written with a fixed column schema (osm_id, tags, version,
// changeset, timestamp), every geometry wrapped in a one-part
// GeometryCollection, CRS EPSG:4326 and a packed Hilbert R-tree index.
package fgb

import (
	"context"

	"github.com/paulmach/orb/geojson"
)

// Codec converts between FeatureCollections and FlatGeobuf bytes. Both
// methods return (nil, nil) when there is nothing to convert.
type Codec interface {
	Encode(ctx context.Context, fc *geojson.FeatureCollection) ([]byte, error)
	Decode(ctx context.Context, data []byte) (*geojson.FeatureCollection, error)
}

const (
	// NodeSize is the branching factor of the written index.
	NodeSize = 16
	crsCode  = 4326
)

// Column names in write order.
const (
	ColOSMID     = "osm_id"
	ColTags      = "tags"
	ColVersion   = "version"
	ColChangeset = "changeset"
	ColTimestamp = "timestamp"
)
