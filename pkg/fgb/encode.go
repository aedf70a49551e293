package fgb

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/flatgeobuf/flatgeobuf/src/go/index"
	"github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Encoder is the in-process Codec.
type Encoder struct {
	logger *slog.Logger
}

// NewEncoder creates an in-process FlatGeobuf codec.
func NewEncoder(logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encoder{logger: logger}
}

// Encode implements Codec.
func (e *Encoder) Encode(ctx context.Context, fc *geojson.FeatureCollection) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := Encode(fc)
	if err != nil {
		e.logger.Error("Failed to encode flatgeobuf", "error", err)
		return nil, err
	}
	if data == nil {
		e.logger.Warn("No features to write to flatgeobuf")
	}
	return data, nil
}

// Decode implements Codec.
func (e *Encoder) Decode(ctx context.Context, data []byte) (*geojson.FeatureCollection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fc, err := Decode(data)
	if err != nil {
		e.logger.Error("Failed to decode flatgeobuf", "error", err)
		return nil, err
	}
	return fc, nil
}

type entry struct {
	geom  orb.Geometry
	props geojson.Properties
	id    interface{}
	node  index.NodeItem
}

// Encode writes the features of fc to FlatGeobuf. Features without a
// geometry are skipped; when none remain the result is (nil, nil).
//
// Features are stored in Hilbert order behind the packed R-tree. Leaf
// bounds come from orb rather than the writer's own index pass, which only
// looks at the first part of a geometry and so loses wrapped multi-parts.
func Encode(fc *geojson.FeatureCollection) ([]byte, error) {
	if fc == nil {
		return nil, nil
	}

	var entries []entry
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		g := f.Geometry
		if _, ok := g.(orb.Collection); !ok {
			g = orb.Collection{g}
		}
		b := g.Bound()
		entries = append(entries, entry{
			geom:  g,
			props: f.Properties,
			id:    f.ID,
			node:  index.NewNodeItemWithCoordinates(0, b.Min[0], b.Min[1], b.Max[0], b.Max[1]),
		})
	}
	if len(entries) == 0 {
		return nil, nil
	}

	nodes := make([]index.NodeItem, len(entries))
	for i, e := range entries {
		nodes[i] = e.node
	}
	extent := index.CalcExtentForNodeItems(nodes)
	hilbertOrder(entries, extent)

	var body bytes.Buffer
	for i, e := range entries {
		b := flatbuffers.NewBuilder(1024)
		geom, err := buildGeometry(b, e.geom)
		if err != nil {
			return nil, fmt.Errorf("failed to encode feature %v: %w", e.id, err)
		}
		feat := writer.NewFeature(b).SetGeometry(geom)
		if buf := encodeProperties(e.props); len(buf) > 0 {
			feat.SetProperties(buf)
		}
		b.FinishSizePrefixed(feat.Build())

		env := e.node.ToSlice()
		nodes[i] = index.NewNodeItemWithCoordinates(uint64(body.Len()), env[0], env[1], env[2], env[3])
		body.Write(b.FinishedBytes())
	}

	var out bytes.Buffer
	out.Write(writer.MagicBytes)

	header := newHeader(flatbuffers.NewBuilder(512)).
		SetEnvelope(extent.ToSlice()).
		SetFeaturesCount(uint64(len(entries))).
		SetIndexNodeSize(NodeSize)
	header.Builder().FinishSizePrefixed(header.Build())
	out.Write(header.Builder().FinishedBytes())

	tree := index.NewPackedRTreeWithNodeItems(nodes, extent, NodeSize)
	if _, err := tree.Write(&out); err != nil {
		return nil, fmt.Errorf("failed to write index: %w", err)
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// newHeader sets the fixed parts of every written header: layer name,
// GeometryCollection type, the property schema and EPSG:4326.
func newHeader(b *flatbuffers.Builder) *writer.Header {
	cols := make([]*writer.Column, len(schema))
	for i, c := range schema {
		cols[i] = writer.NewColumn(b).SetName(c.name).SetType(c.typ).SetNullable(true)
	}
	crs := writer.NewCrs(b).SetOrg("EPSG").SetCode(crsCode)

	return writer.NewHeader(b).
		SetName("features").
		SetGeometryType(flattypes.GeometryTypeGeometryCollection).
		SetColumns(cols).
		SetCrs(crs)
}

// hilbertOrder sorts entries along the Hilbert curve over extent, matching
// the ordering of the library's own sort.
func hilbertOrder(entries []entry, extent index.NodeItem) {
	env := extent.ToSlice()
	keys := make([]uint32, len(entries))
	for i, e := range entries {
		keys[i] = index.HilbertForNodeItem(e.node, index.HilbertMax, env[0], env[1], extent.Width(), extent.Height())
	}
	perm := make([]int, len(entries))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(a, b int) bool { return keys[perm[a]] > keys[perm[b]] })

	sorted := make([]entry, len(entries))
	for i, p := range perm {
		sorted[i] = entries[p]
	}
	copy(entries, sorted)
}
