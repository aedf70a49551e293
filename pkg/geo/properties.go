package geo

import (
	"math/rand"
	"time"

	"github.com/paulmach/orb/geojson"
)

// TimestampLayout is the format of the default "timestamp" property.
const TimestampLayout = "2006-01-02T15:04:05"

// RequiredProperties are present on every feature after AddRequiredProperties.
var RequiredProperties = []string{"osm_id", "tags", "version", "changeset", "timestamp"}

// AddRequiredProperties fills osm_id, tags, version, changeset and timestamp
// on every feature, in place. osm_id comes from the feature id, then
// properties.osm_id, properties.id, properties.fid and finally a random 30-bit
// value drawn from rng, or from a clock-seeded source when rng is nil. The
// feature id is set to osm_id. Defaults only replace missing or empty values,
// so the call is idempotent.
func AddRequiredProperties(fc *geojson.FeatureCollection, rng *rand.Rand, now func() time.Time) *geojson.FeatureCollection {
	if fc == nil {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(now().UnixNano()))
	}

	for _, f := range fc.Features {
		if f == nil {
			continue
		}
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}
		props := f.Properties

		if !isEmpty(f.ID) {
			props["osm_id"] = f.ID
		}

		if osmID := props["osm_id"]; !isEmpty(osmID) {
			f.ID = osmID
		} else if id := props["id"]; !isEmpty(id) {
			f.ID = id
			props["osm_id"] = id
		} else if fid := props["fid"]; !isEmpty(fid) {
			f.ID = fid
			props["osm_id"] = fid
		} else {
			randomID := rng.Int63n(1 << 30)
			f.ID = randomID
			props["osm_id"] = randomID
		}

		if isEmpty(props["tags"]) {
			props["tags"] = ""
		}
		if isEmpty(props["version"]) {
			props["version"] = 1
		}
		if isEmpty(props["changeset"]) {
			props["changeset"] = 1
		}
		if isEmpty(props["timestamp"]) {
			props["timestamp"] = now().UTC().Format(TimestampLayout)
		}
	}

	return fc
}

// isEmpty follows JSON truthiness: nil, "", 0, false and empty containers.
func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case float32:
		return t == 0
	case int:
		return t == 0
	case int32:
		return t == 0
	case int64:
		return t == 0
	case uint64:
		return t == 0
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}
