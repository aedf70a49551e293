// Package extract turns OSM XML and shapefile inputs into feature
// collections carrying the osm_id, tags, version, changeset and timestamp
// properties the rest of the pipeline expects.
package extract

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmgeojson"

	"fmtmgo/pkg/errdefs"
	"fmtmgo/pkg/geo"
)

// FromOSMXML converts an .osm document. Untagged nodes that only shape ways
// are dropped by the converter. Each feature gets osm_id from its element id,
// tags as a JSON string, and every tag copied up as its own property.
func FromOSMXML(data []byte) (*geojson.FeatureCollection, error) {
	o := &osm.OSM{}
	if err := xml.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("%w: invalid osm xml: %v", errdefs.ErrParse, err)
	}

	fc, err := osmgeojson.Convert(o, osmgeojson.NoRelationMembership(true))
	if err != nil {
		return nil, fmt.Errorf("%w: osm to geojson: %v", errdefs.ErrConversion, err)
	}

	out := geojson.NewFeatureCollection()
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		out.Append(normalizeOSMFeature(f))
	}
	if len(out.Features) == 0 {
		return nil, geo.ErrNoFeatures
	}
	return out, nil
}

func normalizeOSMFeature(f *geojson.Feature) *geojson.Feature {
	nf := geojson.NewFeature(f.Geometry)

	tags := map[string]string{}
	switch t := f.Properties["tags"].(type) {
	case map[string]string:
		tags = t
	case map[string]interface{}:
		for k, v := range t {
			tags[k] = geo.ValueString(v)
		}
	}
	for k, v := range tags {
		nf.Properties[k] = v
	}
	if b, err := json.Marshal(tags); err == nil {
		nf.Properties["tags"] = string(b)
	}

	if meta, ok := f.Properties["meta"].(map[string]interface{}); ok {
		for _, k := range []string{"version", "changeset", "timestamp"} {
			switch v := meta[k].(type) {
			case nil:
			case time.Time:
				nf.Properties[k] = v.UTC().Format(time.RFC3339)
			default:
				nf.Properties[k] = geo.ValueString(v)
			}
		}
	}

	if id, ok := elementID(f); ok {
		nf.ID = id
		nf.Properties["osm_id"] = id
	}
	return nf
}

// elementID reads the numeric id from "way/123" style feature ids, falling
// back to the id property.
func elementID(f *geojson.Feature) (int64, bool) {
	s := geo.ValueString(f.ID)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, true
	}
	if id, err := strconv.ParseInt(geo.PropertyString(f.Properties, "id"), 10, 64); err == nil {
		return id, true
	}
	return 0, false
}
