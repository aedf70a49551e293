package fgb

import (
	"bytes"
	"fmt"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/index"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// nodeItemSize is the encoded size of one index node: four float64 bounds
// and a uint64 offset.
const nodeItemSize = 40

type file struct {
	fgb       *flatgeobuf.FlatGeoBuf
	geomType  flattypes.GeometryType
	cols      []column
	count     int
	indexed   bool
	featStart int
}

// Decode reads every feature. Each feature's single-member GeometryCollection
// is unwrapped and its id is set from osm_id. A file with no features
// decodes to (nil, nil).
func Decode(data []byte) (fc *geojson.FeatureCollection, err error) {
	if len(data) == 0 {
		return nil, nil
	}
	defer recoverCorrupt(&fc, &err)

	f, err := open(data)
	if err != nil {
		return nil, err
	}

	out := geojson.NewFeatureCollection()
	pos := f.featStart
	for i := 0; pos < len(data) && (f.count == 0 || i < f.count); i++ {
		size, ok := sizePrefix(data, pos)
		if !ok {
			return nil, fmt.Errorf("%w: truncated feature at byte %d", ErrCorrupt, pos)
		}
		feat, err := f.feature(flattypes.GetSizePrefixedRootAsFeature(data, flatbuffers.UOffsetT(pos)))
		if err != nil {
			return nil, err
		}
		if feat != nil {
			out.Append(feat)
		}
		pos += flatbuffers.SizeUOffsetT + size
	}
	return nonEmpty(out), nil
}

// SearchBBox decodes only the features whose bounding box intersects b,
// using the spatial index when the file has one.
func SearchBBox(data []byte, b orb.Bound) (fc *geojson.FeatureCollection, err error) {
	if len(data) == 0 {
		return nil, nil
	}
	defer recoverCorrupt(&fc, &err)

	f, err := open(data)
	if err != nil {
		return nil, err
	}

	out := geojson.NewFeatureCollection()
	if !f.indexed {
		all, err := Decode(data)
		if err != nil || all == nil {
			return nil, err
		}
		for _, feat := range all.Features {
			if feat.Geometry.Bound().Intersects(b) {
				out.Append(feat)
			}
		}
		return nonEmpty(out), nil
	}

	hits, err := f.fgb.Search(b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for _, ft := range hits {
		feat, err := f.feature(ft)
		if err != nil {
			return nil, err
		}
		if feat != nil {
			out.Append(feat)
		}
	}
	return nonEmpty(out), nil
}

func nonEmpty(fc *geojson.FeatureCollection) *geojson.FeatureCollection {
	if len(fc.Features) == 0 {
		return nil
	}
	return fc
}

func recoverCorrupt(fc **geojson.FeatureCollection, err *error) {
	if r := recover(); r != nil {
		*fc = nil
		*err = fmt.Errorf("%w: %v", ErrCorrupt, r)
	}
}

// sizePrefix reads the flatbuffer length prefix at pos and checks that the
// table it announces fits in data.
func sizePrefix(data []byte, pos int) (int, bool) {
	if pos < 0 || pos+flatbuffers.SizeUOffsetT > len(data) {
		return 0, false
	}
	size := int(flatbuffers.GetUOffsetT(data[pos:]))
	if size < 0 || pos+flatbuffers.SizeUOffsetT+size > len(data) {
		return 0, false
	}
	return size, true
}

// open checks the framing before handing data to the flatgeobuf reader,
// which maps the index without bounds checks.
func open(data []byte) (*file, error) {
	if !bytes.HasPrefix(data, writer.MagicBytes[:3]) || len(data) < len(writer.MagicBytes) {
		return nil, fmt.Errorf("%w: bad magic bytes", ErrCorrupt)
	}
	hsize, ok := sizePrefix(data, len(writer.MagicBytes))
	if !ok {
		return nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	headerEnd := len(writer.MagicBytes) + flatbuffers.SizeUOffsetT + hsize
	h := flattypes.GetSizePrefixedRootAsHeader(data, flatbuffers.UOffsetT(len(writer.MagicBytes)))

	f := &file{
		geomType:  h.GeometryType(),
		count:     int(h.FeaturesCount()),
		featStart: headerEnd,
	}

	seen := map[string]bool{}
	col := new(flattypes.Column)
	for j := 0; j < h.ColumnsLength(); j++ {
		if !h.Columns(col, j) {
			continue
		}
		name := string(col.Name())
		if name == "id" || seen[name] {
			return nil, fmt.Errorf("%w: column %q", ErrDuplicateIDColumn, name)
		}
		seen[name] = true
		f.cols = append(f.cols, column{name: name, typ: col.Type()})
	}

	if nodeSize := h.IndexNodeSize(); nodeSize > 1 && f.count > 0 {
		if f.count > (len(data)-headerEnd)/nodeItemSize {
			return nil, fmt.Errorf("%w: truncated index", ErrCorrupt)
		}
		// copying panics on a short index instead of reading past data
		tree := index.NewPackedRTreeFromData(data[headerEnd:], uint64(f.count), nodeSize, true)
		f.featStart += int(tree.Size())
		f.indexed = true

		lib, err := flatgeobuf.NewWithData(withCurrentMagic(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		f.fgb = lib
	}
	return f, nil
}

// withCurrentMagic rewrites the version bytes the reader insists on. PostGIS
// writes a different patch version.
func withCurrentMagic(data []byte) []byte {
	if bytes.HasPrefix(data, writer.MagicBytes) {
		return data
	}
	out := make([]byte, len(data))
	copy(out, data)
	copy(out, writer.MagicBytes)
	return out
}

// feature converts one stored feature. Features without geometry decode
// to nil.
func (f *file) feature(ft *flattypes.Feature) (*geojson.Feature, error) {
	g := ft.Geometry(nil)
	if g == nil {
		return nil, nil
	}
	geom, err := readGeometry(g, f.geomType)
	if err != nil {
		return nil, err
	}
	if c, ok := geom.(orb.Collection); ok && len(c) == 1 {
		geom = c[0]
	}
	if geom == nil {
		return nil, nil
	}

	props, err := decodeProperties(ft.PropertiesBytes(), f.cols)
	if err != nil {
		return nil, err
	}
	feat := geojson.NewFeature(geom)
	feat.Properties = props
	if id, ok := props[ColOSMID]; ok {
		feat.ID = id
	}
	return feat, nil
}
