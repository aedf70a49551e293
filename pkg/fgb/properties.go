package fgb

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	"github.com/paulmach/orb/geojson"

	"fmtmgo/pkg/geo"
)

type column struct {
	name string
	typ  flattypes.ColumnType
}

var schema = []column{
	{ColOSMID, flattypes.ColumnTypeLong},
	{ColTags, flattypes.ColumnTypeString},
	{ColVersion, flattypes.ColumnTypeInt},
	{ColChangeset, flattypes.ColumnTypeInt},
	{ColTimestamp, flattypes.ColumnTypeString},
}

// encodeProperties writes the fixed schema. Values that cannot be coerced to
// their column type are left null.
func encodeProperties(props geojson.Properties) []byte {
	var buf []byte
	for i, col := range schema {
		v, ok := props[col.name]
		if !ok || v == nil {
			continue
		}
		switch col.typ {
		case flattypes.ColumnTypeLong:
			id, ok := parseOSMID(v)
			if !ok {
				continue
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(i))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
		case flattypes.ColumnTypeInt:
			n, err := strconv.ParseInt(geo.ValueString(v), 10, 32)
			if err != nil {
				continue
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(i))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(n)))
		case flattypes.ColumnTypeString:
			s := geo.ValueString(v)
			buf = binary.LittleEndian.AppendUint16(buf, uint16(i))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
	}
	return buf
}

// parseOSMID keeps only the digits of the value, so "way/123" becomes 123.
func parseOSMID(v interface{}) (int64, bool) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, geo.ValueString(v))
	if digits == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// decodeProperties reads a property buffer against the header columns.
func decodeProperties(buf []byte, cols []column) (geojson.Properties, error) {
	props := geojson.Properties{}
	for pos := 0; pos < len(buf); {
		if pos+2 > len(buf) {
			return nil, ErrCorrupt
		}
		i := int(binary.LittleEndian.Uint16(buf[pos:]))
		pos += 2
		if i >= len(cols) {
			return nil, ErrCorrupt
		}
		col := cols[i]

		size := fixedSize(col.typ)
		if size == 0 {
			if pos+4 > len(buf) {
				return nil, ErrCorrupt
			}
			size = int(binary.LittleEndian.Uint32(buf[pos:]))
			pos += 4
		}
		if size < 0 || pos+size > len(buf) {
			return nil, ErrCorrupt
		}
		props[col.name] = readValue(col, buf[pos:pos+size])
		pos += size
	}
	return props, nil
}

// fixedSize is the byte width of a column value, or 0 for length-prefixed types.
func fixedSize(t flattypes.ColumnType) int {
	switch t {
	case flattypes.ColumnTypeByte, flattypes.ColumnTypeUByte, flattypes.ColumnTypeBool:
		return 1
	case flattypes.ColumnTypeShort, flattypes.ColumnTypeUShort:
		return 2
	case flattypes.ColumnTypeInt, flattypes.ColumnTypeUInt, flattypes.ColumnTypeFloat:
		return 4
	case flattypes.ColumnTypeLong, flattypes.ColumnTypeULong, flattypes.ColumnTypeDouble:
		return 8
	}
	return 0
}

func readValue(col column, b []byte) interface{} {
	switch col.typ {
	case flattypes.ColumnTypeByte:
		return int64(int8(b[0]))
	case flattypes.ColumnTypeUByte:
		return int64(b[0])
	case flattypes.ColumnTypeBool:
		return b[0] != 0
	case flattypes.ColumnTypeShort:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case flattypes.ColumnTypeUShort:
		return int64(binary.LittleEndian.Uint16(b))
	case flattypes.ColumnTypeInt:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case flattypes.ColumnTypeUInt:
		return int64(binary.LittleEndian.Uint32(b))
	case flattypes.ColumnTypeLong:
		return int64(binary.LittleEndian.Uint64(b))
	case flattypes.ColumnTypeULong:
		return binary.LittleEndian.Uint64(b)
	case flattypes.ColumnTypeFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case flattypes.ColumnTypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case flattypes.ColumnTypeJson:
		var v interface{}
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
		return string(b)
	}

	s := string(b)
	if col.name == ColTags {
		// tags written from a JSON object come back as that object
		var m map[string]interface{}
		if strings.HasPrefix(s, "{") && json.Unmarshal(b, &m) == nil {
			return m
		}
	}
	return s
}
