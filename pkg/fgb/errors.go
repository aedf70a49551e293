package fgb

import (
	"fmt"

	"fmtmgo/pkg/errdefs"
)

var (
	// ErrCorrupt is returned for input that is not a readable FlatGeobuf file.
	ErrCorrupt = fmt.Errorf("%w: corrupt flatgeobuf data", errdefs.ErrParse)
	// ErrDuplicateIDColumn is returned when the header declares a column named
	// "id" or repeats a column name.
	ErrDuplicateIDColumn = fmt.Errorf("%w: flatgeobuf has a duplicate column, perhaps there is a duplicate 'id' column?", errdefs.ErrValidation)
	// ErrUnsupportedGeometry is returned for geometry types FlatGeobuf cannot carry.
	ErrUnsupportedGeometry = fmt.Errorf("%w: unsupported geometry for flatgeobuf", errdefs.ErrConversion)
)
