package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"
)

var validCRSNames = map[string]bool{
	"urn:ogc:def:crs:OGC:1.3:CRS84": true,
	"urn:ogc:def:crs:EPSG::4326":    true,
	"WGS 84":                        true,
}

// CheckCRSBytes validates the coordinate reference system of raw GeoJSON.
//
// An explicit crs member must name WGS84 / CRS84. Without one, the first
// coordinate of the last feature (or of the feature, or of the bare geometry)
// must lie within lon [-180,180] and lat [-90,90]. This is a plausibility
// check only: a projected CRS whose values happen to fall in range passes.
func CheckCRSBytes(raw []byte) error {
	doc := gjson.ParseBytes(raw)

	if crs := doc.Get("crs"); crs.Exists() {
		if !validCRSNames[crs.Get("properties.name").String()] {
			return ErrInvalidCRS
		}
		return nil
	}

	var coords gjson.Result
	switch doc.Get("type").String() {
	case "FeatureCollection":
		features := doc.Get("features").Array()
		if len(features) > 0 {
			coords = features[len(features)-1].Get("geometry.coordinates")
		}
	case "Feature":
		coords = doc.Get("geometry.coordinates")
	default:
		coords = doc.Get("coordinates")
	}

	var first gjson.Result
	for coords.IsArray() {
		items := coords.Array()
		if len(items) == 0 {
			break
		}
		first = coords
		coords = items[0]
	}

	if !first.IsArray() {
		return ErrInvalidCRS
	}
	pair := first.Array()
	if len(pair) < 2 {
		return ErrInvalidCRS
	}
	if !validLonLat(pair[0].Float(), pair[1].Float()) {
		return ErrInvalidCRS
	}
	return nil
}

// CheckCRS is CheckCRSBytes for an already parsed collection. The crs member
// is read from ExtraMembers.
func CheckCRS(fc *geojson.FeatureCollection) error {
	if fc == nil {
		return ErrInvalidCRS
	}

	if crs, ok := fc.ExtraMembers["crs"]; ok {
		name := ""
		if m, ok := crs.(map[string]interface{}); ok {
			if props, ok := m["properties"].(map[string]interface{}); ok {
				name, _ = props["name"].(string)
			}
		}
		if !validCRSNames[name] {
			return ErrInvalidCRS
		}
		return nil
	}

	if len(fc.Features) == 0 {
		return ErrInvalidCRS
	}
	last := fc.Features[len(fc.Features)-1]
	if last == nil {
		return ErrInvalidCRS
	}
	p, ok := firstPoint(last.Geometry)
	if !ok || !validLonLat(p[0], p[1]) {
		return ErrInvalidCRS
	}
	return nil
}

func validLonLat(lon, lat float64) bool {
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

func firstPoint(g orb.Geometry) (orb.Point, bool) {
	switch t := g.(type) {
	case orb.Point:
		return t, true
	case orb.MultiPoint:
		if len(t) > 0 {
			return t[0], true
		}
	case orb.LineString:
		if len(t) > 0 {
			return t[0], true
		}
	case orb.Ring:
		if len(t) > 0 {
			return t[0], true
		}
	case orb.MultiLineString:
		if len(t) > 0 {
			return firstPoint(t[0])
		}
	case orb.Polygon:
		if len(t) > 0 {
			return firstPoint(t[0])
		}
	case orb.MultiPolygon:
		if len(t) > 0 {
			return firstPoint(t[0])
		}
	case orb.Collection:
		if len(t) > 0 {
			return firstPoint(t[0])
		}
	}
	return orb.Point{}, false
}
