package geo

import (
	"errors"
	"fmt"

	"fmtmgo/pkg/errdefs"
)

var (
	// ErrNoFeatures is returned by callers when Normalize yields no features.
	ErrNoFeatures = fmt.Errorf("%w: geojson contains no features", errdefs.ErrValidation)
	// ErrInvalidCRS marks input outside WGS84 / CRS84.
	ErrInvalidCRS = fmt.Errorf("%w: unsupported coordinate system, it is recommended to use a GeoJSON file in WGS84(EPSG 4326) standard", errdefs.ErrValidation)
	// ErrMerge wraps any failure while merging polygons into one boundary.
	ErrMerge = fmt.Errorf("%w: couldn't merge the multipolygon to polygon", errdefs.ErrConversion)
	// ErrNoPolygons is returned when a merge has nothing to merge.
	ErrNoPolygons = errors.New("no polygon geometries found")
)
