// Package javarosa converts between orb geometries and the JavaRosa
// coordinate strings used by ODK forms and entities.
//
// A JavaRosa geometry is a ";" separated list of points, each written as
// "lat lon altitude accuracy". Altitude and accuracy are always "0.0" on
// encode and ignored on decode.
package javarosa

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"fmtmgo/pkg/errdefs"
)

// GeomType names the geometry a JavaRosa string should decode to.
type GeomType string

const (
	Point    GeomType = "Point"
	Polyline GeomType = "Polyline"
	Polygon  GeomType = "Polygon"
)

var (
	// ErrUnsupportedGeometryType is returned for geometry types with no
	// JavaRosa representation.
	ErrUnsupportedGeometryType = fmt.Errorf("%w: unsupported geometry type", errdefs.ErrValidation)
	// ErrInvalidCoordinate is returned when a point token is not a number.
	ErrInvalidCoordinate = fmt.Errorf("%w: invalid javarosa coordinate", errdefs.ErrParse)
)

const pointSuffix = " 0.0 0.0"

// ParseGeomType accepts Point, Polyline (or LineString) and Polygon.
func ParseGeomType(s string) (GeomType, error) {
	switch strings.TrimSpace(s) {
	case "Point":
		return Point, nil
	case "Polyline", "LineString":
		return Polyline, nil
	case "Polygon":
		return Polygon, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedGeometryType, s)
}

// Encode writes a geometry as a JavaRosa string. Every point of every ring or
// line is emitted in order and joined with ";"; a MultiPolygon contributes the
// rings of all its polygons. A nil geometry encodes to "".
func Encode(g orb.Geometry) (string, error) {
	if g == nil {
		return "", nil
	}

	var groups [][]orb.Point
	switch t := g.(type) {
	case orb.Point:
		groups = [][]orb.Point{{t}}
	case orb.LineString:
		groups = [][]orb.Point{t}
	case orb.MultiPoint:
		groups = [][]orb.Point{t}
	case orb.Polygon:
		for _, r := range t {
			groups = append(groups, r)
		}
	case orb.MultiLineString:
		for _, ls := range t {
			groups = append(groups, ls)
		}
	case orb.MultiPolygon:
		for _, p := range t {
			for _, r := range p {
				groups = append(groups, r)
			}
		}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedGeometryType, g.GeoJSONType())
	}

	var sb strings.Builder
	first := true
	for _, pts := range groups {
		for _, p := range pts {
			if !first {
				sb.WriteByte(';')
			}
			first = false
			sb.WriteString(formatCoord(p[1]))
			sb.WriteByte(' ')
			sb.WriteString(formatCoord(p[0]))
			sb.WriteString(pointSuffix)
		}
	}
	return sb.String(), nil
}

// Decode parses a JavaRosa string into a geometry of the requested type.
// Polyline decodes to a LineString. Polygon rings are separated by ",",
// points within a ring by ";". Blank segments are skipped. An empty string
// decodes to nil without error.
func Decode(s string, t GeomType) (orb.Geometry, error) {
	switch t {
	case Point, Polyline, Polygon:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGeometryType, string(t))
	}

	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	switch t {
	case Point:
		return parsePoint(s)
	case Polyline:
		pts, err := parsePoints(s)
		if err != nil {
			return nil, err
		}
		return orb.LineString(pts), nil
	default:
		var poly orb.Polygon
		for _, ring := range strings.Split(s, ",") {
			if strings.TrimSpace(ring) == "" {
				continue
			}
			pts, err := parsePoints(ring)
			if err != nil {
				return nil, err
			}
			poly = append(poly, orb.Ring(pts))
		}
		return poly, nil
	}
}

func parsePoints(s string) ([]orb.Point, error) {
	var pts []orb.Point
	for _, raw := range strings.Split(s, ";") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := parsePoint(raw)
		if err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, nil
}

// parsePoint reads "lat lon [alt [accuracy]]" into orb.Point{lon, lat}.
func parsePoint(s string) (orb.Point, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return orb.Point{}, fmt.Errorf("%w: %q needs at least latitude and longitude", ErrInvalidCoordinate, strings.TrimSpace(s))
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: %q", ErrInvalidCoordinate, fields[0])
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: %q", ErrInvalidCoordinate, fields[1])
	}
	return orb.Point{lon, lat}, nil
}

// formatCoord uses the shortest decimal form that round-trips.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
