package split

import (
	"fmt"

	"fmtmgo/pkg/errdefs"
)

var (
	// ErrInvalidDimension is returned for a square size that is not positive.
	ErrInvalidDimension = fmt.Errorf("%w: square dimension must be greater than zero", errdefs.ErrValidation)
	// ErrInvalidTarget is returned for a features-per-task target that is not positive.
	ErrInvalidTarget = fmt.Errorf("%w: features per task must be greater than zero", errdefs.ErrValidation)
	// ErrEmptyBoundary is returned when the boundary polygon has no area.
	ErrEmptyBoundary = fmt.Errorf("%w: boundary polygon is empty", errdefs.ErrValidation)
	// ErrTooManyTasks is returned when a grid would exceed MaxTasks cells.
	ErrTooManyTasks = fmt.Errorf("%w: split would produce too many tasks", errdefs.ErrValidation)
)
